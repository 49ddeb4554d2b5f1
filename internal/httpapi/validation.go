// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package httpapi

import (
	"errors"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/accessward/accessward/internal/auth"
)

// domainRules back the custom binding tags with the account rules.
var domainRules = map[string]func(string) error{
	"name":           func(s string) error { return auth.ValidateName(strings.TrimSpace(s)) },
	"strongpassword": auth.ValidatePassword,
	"otp":            auth.ValidateOTPCode,
}

var registerOnce sync.Once

// registerValidators installs the custom tags on gin's validator. It also
// reports fields by their JSON names.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		for tag, rule := range domainRules {
			// Tags are fixed and distinct; registration cannot fail.
			_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
				return rule(fl.Field().String()) == nil
			})
		}
	})
}

// bindJSON decodes and validates the body into req. On failure it has
// already answered the request.
func bindJSON(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeInvalid(c, []FieldError{{Field: "body", Message: "request body must be valid JSON"}})
		return false
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	writeInvalid(c, fields)
	return false
}

func fieldMessage(fe validator.FieldError) string {
	if rule, ok := domainRules[fe.Tag()]; ok {
		value, _ := fe.Value().(string)
		if err := rule(value); err != nil {
			return err.Error()
		}
	}
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return "please provide a valid email address"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
