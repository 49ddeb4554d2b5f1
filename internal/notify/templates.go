// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package notify

import (
	"bytes"
	"math"
	"text/template"
	"time"

	"github.com/samber/oops"

	"github.com/accessward/accessward/internal/auth"
)

var (
	codeSubject = template.Must(template.New("code_subject").Parse(
		`{{if eq .Purpose "verification"}}Your Verification OTP{{else}}Your Login OTP{{end}} - {{.Site}}`))

	codeBody = template.Must(template.New("code_body").Parse(`Hello {{.Name}},

{{if eq .Purpose "verification"}}Use this code to verify your email address:{{else}}Use this code to log in:{{end}}

    {{.Code}}

This code will expire in {{.Minutes}} minutes. If you didn't request this code, please ignore this email.

The {{.Site}} Team
`))

	welcomeSubject = template.Must(template.New("welcome_subject").Parse(`Welcome to {{.Site}}!`))

	welcomeBody = template.Must(template.New("welcome_body").Parse(`Hi {{.Name}},

Your email address is verified and your {{.Site}} account is ready. You can now log in.

The {{.Site}} Team
`))
)

type codeView struct {
	Site    string
	Name    string
	Code    string
	Purpose string
	Minutes int
}

type welcomeView struct {
	Site string
	Name string
}

// rendered is a message ready for the wire.
type rendered struct {
	Subject string
	Body    string
}

func renderCode(site string, msg auth.Message) (rendered, error) {
	view := codeView{
		Site:    site,
		Name:    msg.Name,
		Code:    msg.Code,
		Purpose: string(msg.Purpose),
		Minutes: minutes(msg.ExpiresIn),
	}
	return render(codeSubject, codeBody, view)
}

func renderWelcome(site, name string) (rendered, error) {
	return render(welcomeSubject, welcomeBody, welcomeView{Site: site, Name: name})
}

func render(subject, body *template.Template, view any) (rendered, error) {
	var s, b bytes.Buffer
	if err := subject.Execute(&s, view); err != nil {
		return rendered{}, oops.Code("NOTIFY_TEMPLATE_FAILED").With("template", subject.Name()).Wrap(err)
	}
	if err := body.Execute(&b, view); err != nil {
		return rendered{}, oops.Code("NOTIFY_TEMPLATE_FAILED").With("template", body.Name()).Wrap(err)
	}
	return rendered{Subject: s.String(), Body: b.String()}, nil
}

func minutes(d time.Duration) int {
	if d <= 0 {
		d = auth.OTPTTL
	}
	return int(math.Ceil(d.Minutes()))
}
