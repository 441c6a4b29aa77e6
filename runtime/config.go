package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Config tunes the executor. Zero values are replaced by the defaults below
// when the config goes through InitializeConfig or NewConfig.
type Config struct {
	// MaxOnErrorDepth bounds how deeply onError sequences may nest.
	MaxOnErrorDepth int `yaml:"max_on_error_depth" default:"16" validate:"gte=1,lte=1024"`
	// StepTimeout bounds a single function invocation. Zero disables it.
	StepTimeout time.Duration `yaml:"step_timeout" default:"0s" validate:"gte=0"`
}

// NewConfig returns a Config with all defaults applied.
func NewConfig() Config {
	var cfg Config
	// defaults.Set only fails on non-pointer input.
	_ = defaults.Set(&cfg)
	return cfg
}

// Package-level validator instance
var validate *validator.Validate

// init initializes the validator and registers custom validation functions
func init() {
	validate = validator.New()

	// Register custom validators
	registerCustomValidators()
}

// InitializeConfig prepares any tagged config struct.
// It combines: defaults → value merging → validation in one call.
func InitializeConfig(config any, rawValues map[string]any) error {
	// Step 1: Apply defaults from struct tags
	if err := ApplyDefaults(config); err != nil {
		slog.Error("Config: failed to apply defaults",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return fmt.Errorf("failed to apply defaults: %w", err)
	}

	// Step 2: Merge raw values (env vars + literals from flowbase.yaml)
	// Use YAML tags because Config structs use yaml tags for field mapping
	if len(rawValues) > 0 {
		if err := mapToStructFromYAML(rawValues, config); err != nil {
			slog.Error("Config: failed to apply config values",
				"config_type", reflect.TypeOf(config).String(),
				"raw_values", rawValues,
				"error", err)
			return fmt.Errorf("failed to apply config values: %w", err)
		}
	}

	// Step 3: Validate final config (AFTER rawValues are merged)
	// Extract the actual value if config is a pointer
	configValue := reflect.ValueOf(config)
	if configValue.Kind() == reflect.Ptr {
		configValue = configValue.Elem()
	}

	if err := validateConfig(configValue.Interface()); err != nil {
		slog.Error("Config validation failed",
			"config_type", reflect.TypeOf(config).String(),
			"config_value", configValue.Interface(),
			"error", err)
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// registerCustomValidators registers framework-provided custom validation functions
func registerCustomValidators() {
	// listen_addr validates a server address: optional host, numeric port
	validate.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		_, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || port == "" {
			return false
		}
		n, err := strconv.Atoi(port)
		return err == nil && n >= 0 && n <= 65535
	})

	// url_format validates URL structure
	validate.RegisterValidation("url_format", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	})

	// dsn validates a network database connection string: a URL
	// (postgres://...), user:pass@host/db, or libpq key=value pairs.
	validate.RegisterValidation("dsn", func(fl validator.FieldLevel) bool {
		s := strings.TrimSpace(fl.Field().String())
		if strings.Contains(s, "://") {
			u, err := url.Parse(s)
			return err == nil && u.Scheme != ""
		}
		if strings.Contains(s, "@") && strings.Contains(s, "/") {
			return true
		}
		for _, pair := range strings.Fields(s) {
			if k, _, ok := strings.Cut(pair, "="); !ok || k == "" {
				return false
			}
		}
		return s != ""
	})
}

// ValidateVar checks a single value against validator tags, for example
// "email" or "dsn".
func ValidateVar(value any, tag string) error {
	return validate.Var(value, tag)
}

func ApplyDefaults(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	return nil
}

func validateConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(config); err != nil {
		// Format validation errors for better readability
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, fieldErr := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation: %s (rule: %s)",
					fieldErr.Field(),
					fieldErr.Error(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

func RegisterCustomValidator(tag string, fn validator.Func) error {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		return fmt.Errorf("failed to register custom validator '%s': %w", tag, err)
	}
	return nil
}
