package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventKeyGenerated       AuditEventType = "key_generated"
	AuditEventKeyImported        AuditEventType = "key_imported"
	AuditEventAccountKeyRotated  AuditEventType = "account_key_rotated"
	AuditEventRotationFailed     AuditEventType = "rotation_failed"
	AuditEventTrustApproved      AuditEventType = "trust_approved"
	AuditEventDecryptionFailed   AuditEventType = "decryption_failed"
	AuditEventVerificationFailed AuditEventType = "verification_failed"
	AuditEventKeysCleared        AuditEventType = "keys_cleared"
	AuditEventConfigChange       AuditEventType = "config_change"
)

// AuditEvent is one line of the audit trail. It never carries key material,
// only key hashes and identifiers.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Component  string         `json:"component"`
	SessionID  string         `json:"session_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	DeviceID   string         `json:"device_id,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	Result     string         `json:"result"` // "success" or "failure"
	Details    map[string]any `json:"details,omitempty"`
	SourceFile string         `json:"source_file,omitempty"`
	SourceLine int            `json:"source_line,omitempty"`
	Error      string         `json:"error,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
	DeviceID   string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultLogPath("audit.log"),
		MaxSize:    10,
		MaxAge:     365,
		MaxBackups: 10,
		Compress:   true,
		Component:  "keyvault",
	}
}

// AuditLogger appends JSON lines describing key lifecycle events.
type AuditLogger struct {
	component string
	deviceID  string

	mu        sync.Mutex
	w         io.Writer
	rotator   *FileRotator
	sessionID string
}

// NewAuditLogger creates an AuditLogger writing to a rotated file.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{
		component: cfg.Component,
		deviceID:  cfg.DeviceID,
		w:         rotator,
		rotator:   rotator,
	}, nil
}

// NewAuditWriter creates an AuditLogger writing to w.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{component: component, w: w}
}

// NopAudit returns an AuditLogger that discards every event.
func NopAudit() *AuditLogger {
	return NewAuditWriter(io.Discard, "")
}

// SetSessionID sets the session ID stamped on subsequent events.
func (a *AuditLogger) SetSessionID(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}
	if event.DeviceID == "" {
		event.DeviceID = a.deviceID
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.SourceFile == "" {
		if _, file, line, ok := runtime.Caller(2); ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// LogKeyGenerated records creation of a key of the given tier.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, tier, keyHash string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyGenerated,
		Action:    "key_generated",
		Resource:  keyHash,
		Result:    "success",
		Details:   map[string]any{"tier": tier},
	})
}

// LogKeyImported records import of an externally created key.
func (a *AuditLogger) LogKeyImported(ctx context.Context, tier, keyHash, source string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyImported,
		Action:    "key_imported",
		Resource:  keyHash,
		Result:    "success",
		Details:   map[string]any{"tier": tier, "source": source},
	})
}

// LogAccountKeyRotated records a completed rotation.
func (a *AuditLogger) LogAccountKeyRotated(ctx context.Context, keyHash, previousHash string, sessions int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAccountKeyRotated,
		Action:    "account_key_rotated",
		Resource:  keyHash,
		Result:    "success",
		Details: map[string]any{
			"previous_hash": previousHash,
			"sessions":      sessions,
		},
	})
}

// LogRotationFailed records an aborted rotation.
func (a *AuditLogger) LogRotationFailed(ctx context.Context, stage string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRotationFailed,
		Action:    "rotate_account_key",
		Result:    "failure",
		Error:     err.Error(),
		Details:   map[string]any{"stage": stage},
	})
}

// LogTrustApproved records a new trust decision for userID.
func (a *AuditLogger) LogTrustApproved(ctx context.Context, userID, keyHash string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventTrustApproved,
		Action:    "trust_approved",
		UserID:    userID,
		Resource:  keyHash,
		Result:    "success",
	})
}

// LogDecryptionFailed records a failure to unwrap a stored key.
func (a *AuditLogger) LogDecryptionFailed(ctx context.Context, tier, keyHash string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventDecryptionFailed,
		Action:    "unwrap_key",
		Resource:  keyHash,
		Result:    "failure",
		Error:     err.Error(),
		Details:   map[string]any{"tier": tier},
	})
}

// LogVerificationFailed records a broken signature chain.
func (a *AuditLogger) LogVerificationFailed(ctx context.Context, resource string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventVerificationFailed,
		Action:    "verify_signature",
		Resource:  resource,
		Result:    "failure",
		Error:     err.Error(),
	})
}

// LogKeysCleared records removal of all local key material.
func (a *AuditLogger) LogKeysCleared(ctx context.Context, success bool) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeysCleared,
		Action:    "clear_all",
		Result:    result(success),
	})
}

// LogConfigChange records a configuration reload.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]any{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}
