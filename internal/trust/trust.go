// Package trust records which remote users' master keys this device has
// verified out of band, and detects when a trusted user's key changes.
package trust

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"keyvault/internal/events"
	"keyvault/internal/keymaterial"
	"keyvault/internal/keystore"
	"keyvault/internal/logging"
)

// Errors
var (
	ErrInvalidMasterKey = errors.New("trust: invalid master key")
	ErrInvalidUser      = errors.New("trust: user id is required")

	// ErrKeyChanged means the key server now publishes a different master
	// key than the one the user compared.
	ErrKeyChanged = errors.New("trust: master key changed since it was compared")
)

// ComputeFingerprint returns the short decimal fingerprint users read aloud
// to compare master keys. It is FNV-1a (32 bit) over the key material and
// is for display only; trust decisions use KeyHash.
func ComputeFingerprint(publicKeyMaterial string) string {
	h := fnv.New32a()
	h.Write([]byte(publicKeyMaterial))
	return strconv.FormatUint(uint64(h.Sum32()), 10)
}

// KeyHash is the content hash trust records are keyed on.
func KeyHash(publicKeyMaterial string) string {
	return keymaterial.Hash(publicKeyMaterial)
}

// Fetcher retrieves a user's published master public key.
type Fetcher interface {
	FetchMasterKey(ctx context.Context, userID string) (string, error)
}

// State is the trust status of a remote user.
type State string

const (
	StateUntrusted State = "untrusted"
	StateTrusted   State = "trusted"
	// StateChanged means the user was trusted, but under a different master
	// key than the one they publish now.
	StateChanged State = "changed"
)

// Comparison holds both sides of an out-of-band key check.
type Comparison struct {
	UserID            string `json:"userId"`
	RemoteKeyHash     string `json:"remoteKeyHash"`
	RemoteFingerprint string `json:"remoteFingerprint"`
	OwnFingerprint    string `json:"ownFingerprint"`
	Trusted           bool   `json:"trusted"`
}

// Verifier approves and checks peer trust.
type Verifier struct {
	store  keystore.TrustStore
	api    Fetcher
	events events.Publisher
	audit  *logging.AuditLogger
	log    *logging.Logger
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPublisher sets where trust events are announced.
func WithPublisher(p events.Publisher) Option {
	return func(v *Verifier) { v.events = p }
}

// WithAuditLogger sets the audit trail.
func WithAuditLogger(a *logging.AuditLogger) Option {
	return func(v *Verifier) { v.audit = a }
}

func WithLogger(l *logging.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier returns a Verifier. api may be nil if only locally supplied
// keys are approved.
func NewVerifier(store keystore.TrustStore, api Fetcher, opts ...Option) *Verifier {
	v := &Verifier{
		store:  store,
		api:    api,
		events: events.Nop{},
		audit:  logging.NopAudit(),
		log:    logging.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.WithComponent("trust")
	return v
}

// checkMasterKey accepts only an Ed25519 master public key document.
func checkMasterKey(material string) error {
	doc, err := keymaterial.ParseTyped(material, keymaterial.TypeMaster)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	if doc.Algorithm != keymaterial.AlgEd25519 {
		return fmt.Errorf("%w: algorithm %s", ErrInvalidMasterKey, doc.Algorithm)
	}
	return nil
}

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	return nil
}

// ApproveTrust records that userID's master key is remoteMasterKey. The new
// record supersedes any earlier decision for the user.
func (v *Verifier) ApproveTrust(ctx context.Context, userID, remoteMasterKey string) (*keystore.TrustRecord, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkMasterKey(remoteMasterKey); err != nil {
		v.audit.LogVerificationFailed(ctx, "user:"+userID, err)
		return nil, err
	}

	rec := keystore.TrustRecord{
		UserID:    userID,
		KeyHash:   KeyHash(remoteMasterKey),
		Timestamp: v.now().UnixMilli(),
	}
	if err := v.store.PutTrust(ctx, rec); err != nil {
		return nil, fmt.Errorf("store trust record: %w", err)
	}
	rec.Latest = true

	v.log.WithContext(ctx).Info("peer trusted", "user_id", userID, "key_hash", rec.KeyHash)
	v.audit.LogTrustApproved(ctx, userID, rec.KeyHash)
	if err := v.events.Publish(ctx, events.Event{
		Type:    events.TypePeerTrusted,
		UserID:  userID,
		KeyHash: rec.KeyHash,
	}); err != nil {
		v.log.Warn("publish trust event", "error", err)
	}
	return &rec, nil
}

// ApproveFetched fetches userID's master key from the key server and trusts
// it if its hash is expectedKeyHash, the RemoteKeyHash of the Comparison the
// user confirmed. Nothing is written when the fetch fails or the key differs.
func (v *Verifier) ApproveFetched(ctx context.Context, userID, expectedKeyHash string) (*keystore.TrustRecord, error) {
	if strings.TrimSpace(expectedKeyHash) == "" {
		return nil, fmt.Errorf("%w: no compared key hash given", ErrKeyChanged)
	}
	key, err := v.fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	if got := KeyHash(key); got != expectedKeyHash {
		err := fmt.Errorf("%w: compared %s, server now has %s", ErrKeyChanged, expectedKeyHash, got)
		v.log.WithContext(ctx).Warn("refusing to trust changed master key", "user_id", userID, "key_hash", got)
		v.audit.LogVerificationFailed(ctx, "user:"+userID, err)
		return nil, err
	}
	return v.ApproveTrust(ctx, userID, key)
}

func (v *Verifier) fetch(ctx context.Context, userID string) (string, error) {
	if err := checkUser(userID); err != nil {
		return "", err
	}
	if v.api == nil {
		return "", errors.New("trust: no key server configured")
	}
	key, err := v.api.FetchMasterKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("fetch master key of %s: %w", userID, err)
	}
	return key, nil
}

// IsTrusted reports whether any trust decision exists for userID.
func (v *Verifier) IsTrusted(ctx context.Context, userID string) (bool, error) {
	rec, err := v.store.LatestTrust(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("read trust record: %w", err)
	}
	return rec != nil, nil
}

// Status compares the stored decision for userID with the key the user
// publishes now.
func (v *Verifier) Status(ctx context.Context, userID, currentRemoteKey string) (State, error) {
	rec, err := v.store.LatestTrust(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("read trust record: %w", err)
	}
	if rec == nil {
		return StateUntrusted, nil
	}
	if rec.KeyHash != KeyHash(currentRemoteKey) {
		return StateChanged, nil
	}
	return StateTrusted, nil
}

// Compare fetches userID's key and returns the fingerprints both users
// should read to each other.
func (v *Verifier) Compare(ctx context.Context, userID, ownMasterPublic string) (*Comparison, error) {
	key, err := v.fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := checkMasterKey(key); err != nil {
		return nil, err
	}
	state, err := v.Status(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	return &Comparison{
		UserID:            userID,
		RemoteKeyHash:     KeyHash(key),
		RemoteFingerprint: ComputeFingerprint(key),
		OwnFingerprint:    ComputeFingerprint(ownMasterPublic),
		Trusted:           state == StateTrusted,
	}, nil
}

// TrustedUsers lists the latest decision of every trusted user.
func (v *Verifier) TrustedUsers(ctx context.Context) ([]keystore.TrustRecord, error) {
	recs, err := v.store.TrustedUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trusted users: %w", err)
	}
	return recs, nil
}

// History lists every decision made for userID, oldest first.
func (v *Verifier) History(ctx context.Context, userID string) ([]keystore.TrustRecord, error) {
	recs, err := v.store.TrustHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read trust history: %w", err)
	}
	return recs, nil
}
