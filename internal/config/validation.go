package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match any validation failure.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateDeviceKey(&c.DeviceKey)...)
	errs = append(errs, validateAPI(&c.API)...)
	errs = append(errs, validateEvents(&c.Events)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateAudit(&c.Audit)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, *RequiredFieldError("storage.path"))
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type),
		})
	}

	if s.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_connections",
			Message: "must be at least 1",
		})
	}
	if s.BusyTimeoutMs < 0 || s.BusyTimeoutMs > 60000 {
		errs = append(errs, *RangeError("storage.busy_timeout_ms", 0, 60000))
	}

	return errs
}

func validateDeviceKey(d *DeviceKeyConfig) ValidationErrors {
	var errs ValidationErrors

	switch d.Source {
	case "file":
		if d.Path == "" {
			errs = append(errs, *RequiredFieldError("device_key.path"))
		}
	case "env":
		if d.EnvVar == "" {
			errs = append(errs, *RequiredFieldError("device_key.env_var"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "device_key.source",
			Message: fmt.Sprintf("invalid device key source: %s (valid: file, env)", d.Source),
		})
	}

	return errs
}

func validateAPI(a *APIConfig) ValidationErrors {
	var errs ValidationErrors

	// The API is optional: local-only commands run without it.
	if a.BaseURL != "" && !isValidURL(a.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "api.base_url",
			Message: fmt.Sprintf("invalid URL: %s", a.BaseURL),
		})
	}
	if a.TimeoutSec < 1 || a.TimeoutSec > 600 {
		errs = append(errs, *RangeError("api.timeout_sec", 1, 600))
	}
	if a.RetryAttempts < 1 || a.RetryAttempts > 10 {
		errs = append(errs, *RangeError("api.retry_attempts", 1, 10))
	}
	if a.RetryBackoffMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "api.retry_backoff_ms",
			Message: "cannot be negative",
		})
	}
	if a.RateLimitPerSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "api.rate_limit_per_sec",
			Message: "cannot be negative (0 disables pacing)",
		})
	}

	return errs
}

func validateEvents(e *EventsConfig) ValidationErrors {
	var errs ValidationErrors

	switch e.Backend {
	case "none":
		if e.Enabled {
			errs = append(errs, ValidationError{
				Field:   "events.backend",
				Message: "events are enabled but backend is 'none'",
			})
		}
	case "redis":
		if e.Enabled && e.RedisAddr == "" {
			errs = append(errs, *RequiredFieldError("events.redis_addr"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "events.backend",
			Message: fmt.Sprintf("invalid events backend: %s (valid: redis, none)", e.Backend),
		})
	}

	if e.Enabled && e.Channel == "" {
		errs = append(errs, *RequiredFieldError("events.channel"))
	}
	if e.RedisDB < 0 || e.RedisDB > 15 {
		errs = append(errs, *RangeError("events.redis_db", 0, 15))
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.Enabled {
		return errs
	}
	if a.FilePath == "" {
		errs = append(errs, *RequiredFieldError("audit.file_path"))
	}
	if a.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if a.MaxBackups < 0 || a.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_backups",
			Message: "retention settings cannot be negative",
		})
	}

	return errs
}

func isValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
