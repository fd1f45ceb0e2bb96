// Package events announces key lifecycle changes to other processes of the
// same user, such as a desktop client refreshing its account key after a
// rotation made on another device.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	TypeAccountKeyRotated Type = "account_key_rotated"
	TypePeerTrusted       Type = "peer_trusted"
	TypeKeyCreated        Type = "key_created"
	TypeKeysCleared       Type = "keys_cleared"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "keyvault-keys-updated"

// Event carries identifiers only, never key material.
type Event struct {
	Type         Type   `json:"type"`
	Tier         string `json:"tier,omitempty"`
	UserID       string `json:"userId,omitempty"`
	KeyHash      string `json:"keyHash,omitempty"`
	PreviousHash string `json:"previousHash,omitempty"`
	Sessions     int    `json:"sessions,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// Encode serializes e, stamping the current time when Timestamp is unset.
func (e Event) Encode() ([]byte, error) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("events: encode %s: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses a published event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("events: decode: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("events: decode: missing type")
	}
	return e, nil
}

// Publisher delivers events. Publishing is best effort: callers log the
// error and carry on, since the state change it announces already happened.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
