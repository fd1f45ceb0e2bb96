// Package apiclient talks to the key server: it lists the user's sessions,
// submits rotated account keys and fetches peers' master keys.
package apiclient

import (
	"encoding/json"
	"fmt"
)

// Session describes one logged-in device of the user as the server sees it.
type Session struct {
	UUID         string `json:"uuid"`
	Encrypted    bool   `json:"encrypted"`
	ShareKey     string `json:"shareKey,omitempty"`
	ShareKeySign string `json:"shareKeySign,omitempty"`
	UserAgent    string `json:"userAgent,omitempty"`

	// Current is set client side for the session this client runs as.
	Current bool `json:"-"`
}

// SessionCiphertext is one session's copy of a distributed account key.
type SessionCiphertext struct {
	SessionID  string
	Ciphertext string
}

// MarshalJSON encodes the pair as the [uuid, ciphertext] tuple the server expects.
func (s SessionCiphertext) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{s.SessionID, s.Ciphertext})
}

// UnmarshalJSON decodes a [uuid, ciphertext] tuple.
func (s *SessionCiphertext) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("apiclient: session ciphertext must have 2 elements, got %d", len(pair))
	}
	s.SessionID, s.Ciphertext = pair[0], pair[1]
	return nil
}

// AccountKeyUpload is the body of the account-key submission.
type AccountKeyUpload struct {
	AccountKey             string              `json:"accountKey"`
	AccountKeySign         string              `json:"accountKeySign"`
	EncryptedAccountKeys   []SessionCiphertext `json:"encryptedAccountKeys"`
	ShareDataSign          string              `json:"shareDataSign"`
	PreviousAccountKeyHash string              `json:"previousAccountKeyHash,omitempty"`
}

type masterKeyResponse struct {
	Key string `json:"key"`
}
