// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// EnvPrefix starts every environment variable read by Load.
const EnvPrefix = "ACCESSWARD_"

// envSections maps variable prefixes, longest first, to key paths so that
// ACCESSWARD_NOTIFY_SMTP_SITE_NAME becomes notify.smtp.site_name.
var envSections = []struct{ prefix, path string }{
	{"notify_smtp_", "notify.smtp."},
	{"ratelimit_", "ratelimit."},
	{"metrics_", "metrics."},
	{"notify_", "notify."},
	{"store_", "store."},
	{"token_", "token."},
	{"http_", "http."},
	{"auth_", "auth."},
	{"log_", "log."},
}

// Options says where Load looks.
type Options struct {
	// File is a YAML file. Empty skips it; a named file must exist.
	File string

	// DotEnv files are loaded into the process environment when present.
	// Variables already set win.
	DotEnv []string

	// Flags are applied last. Only flags the user changed override.
	Flags *pflag.FlagSet
}

// Load layers Default, the YAML file, ACCESSWARD_* variables and changed
// flags, then validates the result.
func Load(opts Options) (Config, error) {
	cfg, err := load(opts)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadUnvalidated is Load without Validate, for printing partial configuration.
func LoadUnvalidated(opts Options) (Config, error) {
	return load(opts)
}

func load(opts Options) (Config, error) {
	for _, name := range opts.DotEnv {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("dotenv", name).Wrap(err)
		}
	}

	k := koanf.New(".")

	if opts.File != "" {
		if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("file", opts.File).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if opts.Flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(opts.Flags, ".", k, flagKey(opts.Flags)), nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
	}
	return cfg, nil
}

// envKey maps ACCESSWARD_STORE_DATABASE_URL to store.database_url. Unknown
// sections are dropped.
func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	for _, s := range envSections {
		if strings.HasPrefix(key, s.prefix) {
			return s.path + strings.TrimPrefix(key, s.prefix)
		}
	}
	return ""
}

// flagKey maps a changed flag to its key. Flags carry a "key" annotation;
// flags without one are ignored, as are unchanged flags.
func flagKey(fs *pflag.FlagSet) func(*pflag.Flag) (string, any) {
	return func(f *pflag.Flag) (string, any) {
		if !f.Changed {
			return "", nil
		}
		keys, ok := f.Annotations[FlagKeyAnnotation]
		if !ok || len(keys) == 0 {
			return "", nil
		}
		return keys[0], posflag.FlagVal(fs, f)
	}
}

// FlagKeyAnnotation names the pflag annotation holding a flag's config key.
const FlagKeyAnnotation = "accessward_config_key"

// BindFlag marks flag name on fs as setting key.
func BindFlag(fs *pflag.FlagSet, name, key string) error {
	if err := fs.SetAnnotation(name, FlagKeyAnnotation, []string{key}); err != nil {
		return oops.Code("CONFIG_FLAG_INVALID").With("flag", name).Wrap(err)
	}
	return nil
}
