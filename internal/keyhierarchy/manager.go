package keyhierarchy

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"keyvault/internal/apiclient"
	"keyvault/internal/codec"
	"keyvault/internal/distribution"
	"keyvault/internal/events"
	"keyvault/internal/keymaterial"
	"keyvault/internal/keystore"
	"keyvault/internal/logging"
	"keyvault/internal/security"
)

// API is the part of the key server the manager needs.
type API interface {
	ListSessions(ctx context.Context) ([]apiclient.Session, error)
	SubmitAccountKey(ctx context.Context, upload apiclient.AccountKeyUpload) error
}

// Manager creates, reads and rotates keys for one device.
type Manager struct {
	store  keystore.Store
	api    API
	events events.Publisher
	audit  *logging.AuditLogger
	log    *logging.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets where key events are announced.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithAuditLogger sets the audit trail.
func WithAuditLogger(a *logging.AuditLogger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithLogger sets the operational logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager over store. api may be nil when the caller
// never rotates.
func NewManager(store keystore.Store, api API, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		api:    api,
		events: events.Nop{},
		audit:  logging.NopAudit(),
		log:    logging.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithComponent("keyhierarchy")
	return m
}

// LatestKey unwraps the latest key of tier. An empty tier yields the tier's
// absence signal; a key that cannot be unwrapped yields a
// *codec.DecryptionError, never absence.
func (m *Manager) LatestKey(ctx context.Context, tier keystore.Tier, dk *codec.DeviceKey) (*KeyPair, *keystore.Record, error) {
	if tier == keystore.TierRoom {
		return nil, nil, errors.New("keyhierarchy: room keys are selected by room, use LatestRoomKey")
	}
	rec, err := m.store.GetLatest(ctx, tier)
	if err != nil {
		return nil, nil, fmt.Errorf("read latest %s key: %w", tier, err)
	}
	if rec == nil {
		return nil, nil, absentFor(tier)
	}
	kp, err := m.open(ctx, rec, dk)
	if err != nil {
		return nil, nil, err
	}
	return kp, rec, nil
}

// GetLatestIdentityKey returns the identity key, or ErrNoIdentityKey on
// first run.
func (m *Manager) GetLatestIdentityKey(ctx context.Context, dk *codec.DeviceKey) (*KeyPair, *keystore.Record, error) {
	return m.LatestKey(ctx, keystore.TierIdentity, dk)
}

// LatestRoomKey returns the newest key of roomID.
func (m *Manager) LatestRoomKey(ctx context.Context, roomID string, dk *codec.DeviceKey) (*KeyPair, *keystore.Record, error) {
	rec, err := m.store.GetLatestRoom(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("read latest room key: %w", err)
	}
	if rec == nil {
		return nil, nil, ErrNoRoomKey
	}
	kp, err := m.open(ctx, rec, dk)
	if err != nil {
		return nil, nil, err
	}
	return kp, rec, nil
}

// KeyByHash unwraps one specific historical key.
func (m *Manager) KeyByHash(ctx context.Context, tier keystore.Tier, hash string, dk *codec.DeviceKey) (*KeyPair, error) {
	all, err := m.store.GetAll(ctx, tier)
	if err != nil {
		return nil, fmt.Errorf("read %s keys: %w", tier, err)
	}
	for i := range all {
		if all[i].Hash == hash {
			return m.open(ctx, &all[i], dk)
		}
	}
	return nil, absentFor(tier)
}

func (m *Manager) open(ctx context.Context, rec *keystore.Record, dk *codec.DeviceKey) (*KeyPair, error) {
	var kp KeyPair
	if err := codec.Unwrap(dk, rec.Ciphertext, &kp); err != nil {
		m.log.Error("cannot unwrap stored key", "tier", string(rec.Tier), "key_hash", rec.Hash, "error", err)
		m.audit.LogDecryptionFailed(ctx, string(rec.Tier), rec.Hash, err)
		return nil, err
	}
	if kp.Hash() != rec.Hash {
		return nil, fmt.Errorf("%w: %s %s", ErrCorruptRecord, rec.Tier, rec.Hash)
	}
	return &kp, nil
}

// KeyHistory lists the stored keys of tier, oldest first.
func (m *Manager) KeyHistory(ctx context.Context, tier keystore.Tier) ([]KeySummary, error) {
	all, err := m.store.GetAll(ctx, tier)
	if err != nil {
		return nil, fmt.Errorf("read %s keys: %w", tier, err)
	}
	latest, err := m.store.GetLatest(ctx, tier)
	if err != nil {
		return nil, fmt.Errorf("read latest %s key: %w", tier, err)
	}

	out := make([]KeySummary, 0, len(all))
	for _, r := range all {
		out = append(out, KeySummary{
			Hash:      r.Hash,
			Timestamp: r.Timestamp,
			Latest:    latest != nil && latest.Hash == r.Hash,
			RoomID:    r.RoomID,
		})
	}
	return out, nil
}

// nextTimestamp returns a timestamp strictly after every key of tier, so a
// new key always becomes the latest even when the clock stalls.
func (m *Manager) nextTimestamp(ctx context.Context, tier keystore.Tier) (int64, error) {
	ts := m.now().UnixMilli()
	latest, err := m.store.GetLatest(ctx, tier)
	if err != nil {
		return 0, fmt.Errorf("read latest %s key: %w", tier, err)
	}
	if latest != nil && latest.Timestamp >= ts {
		ts = latest.Timestamp + 1
	}
	return ts, nil
}

// persist wraps kp under dk and stores it. The record timestamp is the key
// document's own timestamp.
func (m *Manager) persist(ctx context.Context, tier keystore.Tier, kp *KeyPair, dk *codec.DeviceKey, roomID, metaData string) (*keystore.Record, error) {
	ts, err := kp.Timestamp()
	if err != nil {
		return nil, err
	}
	ct, err := codec.Wrap(dk, kp)
	if err != nil {
		return nil, fmt.Errorf("wrap %s key: %w", tier, err)
	}
	rec := keystore.Record{
		Tier:       tier,
		Hash:       kp.Hash(),
		Ciphertext: ct,
		Timestamp:  ts,
		RoomID:     roomID,
		MetaData:   metaData,
	}
	if err := m.store.Put(ctx, tier, rec); err != nil {
		return nil, fmt.Errorf("store %s key: %w", tier, err)
	}
	return &rec, nil
}

func (m *Manager) announce(ctx context.Context, e events.Event) {
	if err := m.events.Publish(ctx, e); err != nil {
		m.log.Warn("publish key event", "type", string(e.Type), "error", err)
	}
}

func (m *Manager) created(ctx context.Context, tier keystore.Tier, rec *keystore.Record) {
	m.log.Info("key created", "tier", string(tier), "key_hash", rec.Hash)
	m.audit.LogKeyGenerated(ctx, string(tier), rec.Hash)
	m.announce(ctx, events.Event{Type: events.TypeKeyCreated, Tier: string(tier), KeyHash: rec.Hash})
}

// CreateMasterKey generates the master key. A device holds one master key;
// creating a second one is refused.
func (m *Manager) CreateMasterKey(ctx context.Context, dk *codec.DeviceKey) (*keystore.Record, error) {
	if err := m.ensureNoMaster(ctx); err != nil {
		return nil, err
	}
	kp, err := keymaterial.GenerateMaster(m.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	rec, err := m.persist(ctx, keystore.TierMaster, kp, dk, "", "")
	if err != nil {
		return nil, err
	}
	m.created(ctx, keystore.TierMaster, rec)
	return rec, nil
}

// ImportMasterKey adopts an Ed25519 key from an OpenSSH private key file as
// the master key. passphrase may be nil for unencrypted keys.
func (m *Manager) ImportMasterKey(ctx context.Context, dk *codec.DeviceKey, pemBytes, passphrase []byte) (*keystore.Record, error) {
	if err := m.ensureNoMaster(ctx); err != nil {
		return nil, err
	}

	var raw any
	var err error
	if len(passphrase) > 0 {
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(pemBytes, passphrase)
	} else {
		raw, err = ssh.ParseRawPrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		priv = k
	case *ed25519.PrivateKey:
		priv = *k
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, raw)
	}
	defer security.Wipe(priv)

	kp, err := keymaterial.FromEd25519(keymaterial.TypeMaster, priv, m.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	rec, err := m.persist(ctx, keystore.TierMaster, kp, dk, "", "")
	if err != nil {
		return nil, err
	}
	m.log.Info("master key imported", "key_hash", rec.Hash)
	m.audit.LogKeyImported(ctx, string(keystore.TierMaster), rec.Hash, "openssh")
	m.announce(ctx, events.Event{Type: events.TypeKeyCreated, Tier: string(keystore.TierMaster), KeyHash: rec.Hash})
	return rec, nil
}

func (m *Manager) ensureNoMaster(ctx context.Context) error {
	existing, err := m.store.GetLatest(ctx, keystore.TierMaster)
	if err != nil {
		return fmt.Errorf("read master key: %w", err)
	}
	if existing != nil {
		return ErrMasterKeyExists
	}
	return nil
}

// CreateIdentityKey generates a new identity key signed by the master key.
func (m *Manager) CreateIdentityKey(ctx context.Context, dk *codec.DeviceKey) (*keystore.Record, error) {
	return m.createUnderMaster(ctx, keystore.TierIdentity, dk)
}

// CreateShareSignKey generates a new share-sign key signed by the master key.
func (m *Manager) CreateShareSignKey(ctx context.Context, dk *codec.DeviceKey) (*keystore.Record, error) {
	return m.createUnderMaster(ctx, keystore.TierShareSign, dk)
}

// CreateShareKey generates this session's share key, the key other devices
// seal distributed account keys to.
func (m *Manager) CreateShareKey(ctx context.Context, dk *codec.DeviceKey) (*keystore.Record, error) {
	return m.createUnderMaster(ctx, keystore.TierShare, dk)
}

func (m *Manager) createUnderMaster(ctx context.Context, tier keystore.Tier, dk *codec.DeviceKey) (*keystore.Record, error) {
	master, _, err := m.LatestKey(ctx, keystore.TierMaster, dk)
	if err != nil {
		return nil, err
	}
	kt, err := KeyTypeOf(tier)
	if err != nil {
		return nil, err
	}
	ts, err := m.nextTimestamp(ctx, tier)
	if err != nil {
		return nil, err
	}
	kp, err := keymaterial.Generate(kt, master, ts)
	if err != nil {
		return nil, err
	}
	rec, err := m.persist(ctx, tier, kp, dk, "", "")
	if err != nil {
		return nil, err
	}
	m.created(ctx, tier, rec)
	return rec, nil
}

// CreateRoomKey generates a new key for roomID signed by the identity key.
func (m *Manager) CreateRoomKey(ctx context.Context, dk *codec.DeviceKey, roomID, metaData string) (*keystore.Record, error) {
	if roomID == "" {
		return nil, errors.New("keyhierarchy: room id is required")
	}
	identity, _, err := m.GetLatestIdentityKey(ctx, dk)
	if err != nil {
		return nil, err
	}

	ts := m.now().UnixMilli()
	if latest, err := m.store.GetLatestRoom(ctx, roomID); err != nil {
		return nil, fmt.Errorf("read latest room key: %w", err)
	} else if latest != nil && latest.Timestamp >= ts {
		ts = latest.Timestamp + 1
	}

	kp, err := keymaterial.Generate(keymaterial.TypeRoom, identity, ts)
	if err != nil {
		return nil, err
	}
	rec, err := m.persist(ctx, keystore.TierRoom, kp, dk, roomID, metaData)
	if err != nil {
		return nil, err
	}
	m.created(ctx, keystore.TierRoom, rec)
	return rec, nil
}

// ReceiveAccountKey accepts an account key distributed by another session
// of the user and stores it. The batch must verify end to end against the
// local master key.
func (m *Manager) ReceiveAccountKey(ctx context.Context, dk *codec.DeviceKey, shareSign KeyPair, batch *distribution.Batch, sessionID string) (*keystore.Record, error) {
	master, _, err := m.LatestKey(ctx, keystore.TierMaster, dk)
	if err != nil {
		return nil, err
	}
	share, _, err := m.LatestKey(ctx, keystore.TierShare, dk)
	if err != nil {
		return nil, err
	}

	kp, err := distribution.Receive(distribution.ReceiveInput{
		Share:        share,
		MasterPublic: master.PublicKey,
		ShareSign:    shareSign,
		Batch:        batch,
		SessionID:    sessionID,
	})
	if err != nil {
		if errors.Is(err, distribution.ErrVerification) {
			m.audit.LogVerificationFailed(ctx, "session:"+sessionID, err)
		}
		return nil, err
	}

	rec, err := m.persist(ctx, keystore.TierAccount, kp, dk, "", "")
	if err != nil {
		return nil, err
	}
	m.log.Info("account key received", "key_hash", rec.Hash)
	m.audit.LogKeyImported(ctx, string(keystore.TierAccount), rec.Hash, "distribution")
	return rec, nil
}

// ClearAll removes every stored key and trust record, as on logout.
func (m *Manager) ClearAll(ctx context.Context) error {
	err := m.store.ClearAll(ctx)
	m.audit.LogKeysCleared(ctx, err == nil)
	if err != nil {
		return fmt.Errorf("clear key store: %w", err)
	}
	m.announce(ctx, events.Event{Type: events.TypeKeysCleared})
	return nil
}
