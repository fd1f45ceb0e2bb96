package keyhierarchy

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"keyvault/internal/apiclient"
	"keyvault/internal/apitest"
	"keyvault/internal/codec"
	"keyvault/internal/distribution"
	"keyvault/internal/events"
	"keyvault/internal/keymaterial"
	"keyvault/internal/keystore"
	"keyvault/internal/logging"
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *keystore.Memory
	srv    *apitest.Server
	client *apiclient.Client
	dk     *codec.DeviceKey
	rec    *events.Recorder
	audit  *bytes.Buffer
	mgr    *Manager
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dk, err := codec.GenerateDeviceKey()
	require.NoError(t, err)

	srv := apitest.NewServer(t)
	client, err := apiclient.New(apiclient.Config{
		BaseURL: srv.URL(),
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  keystore.NewMemory(),
		srv:    srv,
		client: client,
		dk:     dk,
		rec:    &events.Recorder{},
		audit:  &bytes.Buffer{},
		clock:  time.UnixMilli(1_700_000_000_000),
	}
	h.mgr = NewManager(h.store, client,
		WithPublisher(h.rec),
		WithAuditLogger(logging.NewAuditWriter(h.audit, "test")),
		WithLogger(logging.Discard()),
		WithClock(func() time.Time { return h.clock }),
	)
	return h
}

// setup creates master, identity, share-sign and share keys.
func (h *harness) setup() *KeyPair {
	h.t.Helper()
	_, err := h.mgr.CreateMasterKey(h.ctx, h.dk)
	require.NoError(h.t, err)
	_, err = h.mgr.CreateIdentityKey(h.ctx, h.dk)
	require.NoError(h.t, err)
	_, err = h.mgr.CreateShareSignKey(h.ctx, h.dk)
	require.NoError(h.t, err)
	_, err = h.mgr.CreateShareKey(h.ctx, h.dk)
	require.NoError(h.t, err)

	master, _, err := h.mgr.LatestKey(h.ctx, keystore.TierMaster, h.dk)
	require.NoError(h.t, err)
	return master
}

type peerSession struct {
	session apiclient.Session
	share   *KeyPair
}

func newPeer(t *testing.T, master *KeyPair) peerSession {
	t.Helper()
	share, err := keymaterial.Generate(keymaterial.TypeShare, master, 10)
	require.NoError(t, err)
	return peerSession{
		session: apiclient.Session{
			UUID:         uuid.NewString(),
			Encrypted:    true,
			ShareKey:     share.PublicKey,
			ShareKeySign: share.Sign,
		},
		share: share,
	}
}

func (h *harness) accountRecords() []keystore.Record {
	h.t.Helper()
	all, err := h.store.GetAll(h.ctx, keystore.TierAccount)
	require.NoError(h.t, err)
	return all
}

func TestEmptyStoreSignalsAbsence(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.mgr.GetLatestIdentityKey(h.ctx, h.dk)
	require.Error(t, err)
	assert.True(t, IsAbsent(err))
	assert.ErrorIs(t, err, ErrNoIdentityKey)
	assert.False(t, errors.Is(err, codec.ErrDecryption))

	for _, tier := range []keystore.Tier{keystore.TierMaster, keystore.TierShareSign, keystore.TierShare, keystore.TierAccount} {
		_, _, err := h.mgr.LatestKey(h.ctx, tier, h.dk)
		var absent *AbsentError
		require.ErrorAs(t, err, &absent, "tier %s", tier)
		assert.Equal(t, tier, absent.Tier)
	}

	_, _, err = h.mgr.LatestRoomKey(h.ctx, "room-1", h.dk)
	assert.ErrorIs(t, err, ErrNoRoomKey)
}

func TestWrongDeviceKeyIsDecryptionErrorNotAbsence(t *testing.T) {
	h := newHarness(t)
	h.setup()

	other, err := codec.GenerateDeviceKey()
	require.NoError(t, err)

	_, _, err = h.mgr.GetLatestIdentityKey(h.ctx, other)
	require.Error(t, err)
	var de *codec.DecryptionError
	assert.ErrorAs(t, err, &de)
	assert.False(t, IsAbsent(err))
	assert.Contains(t, h.audit.String(), `"event_type":"decryption_failed"`)
}

func TestCreateKeysAreSignedByParent(t *testing.T) {
	h := newHarness(t)
	master := h.setup()

	for _, tier := range []keystore.Tier{keystore.TierIdentity, keystore.TierShareSign, keystore.TierShare} {
		kp, rec, err := h.mgr.LatestKey(h.ctx, tier, h.dk)
		require.NoError(t, err)
		assert.Equal(t, kp.Hash(), rec.Hash)
		assert.NoError(t, keymaterial.VerifyPair(kp, master.PublicKey), "tier %s", tier)

		ts, err := kp.Timestamp()
		require.NoError(t, err)
		assert.Equal(t, ts, rec.Timestamp)
	}

	identity, _, err := h.mgr.GetLatestIdentityKey(h.ctx, h.dk)
	require.NoError(t, err)
	_, err = h.mgr.CreateRoomKey(h.ctx, h.dk, "room-1", `{"name":"general"}`)
	require.NoError(t, err)
	room, rec, err := h.mgr.LatestRoomKey(h.ctx, "room-1", h.dk)
	require.NoError(t, err)
	assert.Equal(t, "room-1", rec.RoomID)
	assert.Equal(t, `{"name":"general"}`, rec.MetaData)
	assert.NoError(t, keymaterial.VerifyPair(room, identity.PublicKey))

	assert.Len(t, h.rec.Events(), 5)
}

func TestCreateMasterKeyRefusesSecond(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.CreateMasterKey(h.ctx, h.dk)
	require.NoError(t, err)
	_, err = h.mgr.CreateMasterKey(h.ctx, h.dk)
	assert.ErrorIs(t, err, ErrMasterKeyExists)
}

func TestCreateUnderMasterRequiresMaster(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.CreateIdentityKey(h.ctx, h.dk)
	assert.ErrorIs(t, err, ErrNoMasterKey)

	_, err = h.mgr.CreateRoomKey(h.ctx, h.dk, "room", "")
	assert.ErrorIs(t, err, ErrNoIdentityKey)
}

func TestNewKeyWinsWhenClockStalls(t *testing.T) {
	h := newHarness(t)
	h.setup()
	_, first, err := h.mgr.GetLatestIdentityKey(h.ctx, h.dk)
	require.NoError(t, err)

	// Same clock reading as the first key.
	_, err = h.mgr.CreateIdentityKey(h.ctx, h.dk)
	require.NoError(t, err)
	_, second, err := h.mgr.GetLatestIdentityKey(h.ctx, h.dk)
	require.NoError(t, err)

	assert.NotEqual(t, first.Hash, second.Hash)
	assert.Greater(t, second.Timestamp, first.Timestamp)

	history, err := h.mgr.KeyHistory(h.ctx, keystore.TierIdentity)
	require.NoError(t, err)
	require.Len(t, history, 2)
	latest := 0
	for _, s := range history {
		if s.Latest {
			latest++
			assert.Equal(t, second.Hash, s.Hash)
		}
	}
	assert.Equal(t, 1, latest)
}

func TestCorruptRecordDetected(t *testing.T) {
	h := newHarness(t)
	h.setup()

	_, shareRec, err := h.mgr.LatestKey(h.ctx, keystore.TierShare, h.dk)
	require.NoError(t, err)
	_, idRec, err := h.mgr.GetLatestIdentityKey(h.ctx, h.dk)
	require.NoError(t, err)

	bad := *idRec
	bad.Ciphertext = shareRec.Ciphertext
	bad.Timestamp = idRec.Timestamp + 100
	bad.Hash = idRec.Hash[:len(idRec.Hash)-2] + "AA"
	require.NoError(t, h.store.Put(h.ctx, keystore.TierIdentity, bad))

	_, _, err = h.mgr.GetLatestIdentityKey(h.ctx, h.dk)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestRotateAccountKey(t *testing.T) {
	h := newHarness(t)
	master := h.setup()
	peerA := newPeer(t, master)
	peerB := newPeer(t, master)
	plain := apiclient.Session{UUID: uuid.NewString(), Encrypted: false}
	h.srv.SetSessions(peerA.session, peerB.session, plain)

	res, err := h.mgr.Rotate(h.ctx, h.dk)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sessions)
	assert.Empty(t, res.PreviousHash)

	account, rec, err := h.mgr.LatestKey(h.ctx, keystore.TierAccount, h.dk)
	require.NoError(t, err)
	assert.Equal(t, res.Hash, rec.Hash)
	assert.NoError(t, keymaterial.VerifyPair(account, master.PublicKey))

	ts, err := account.Timestamp()
	require.NoError(t, err)
	assert.Equal(t, ts, rec.Timestamp)

	uploads := h.srv.Uploads()
	require.Len(t, uploads, 1)
	up := uploads[0]
	assert.Equal(t, account.PublicKey, up.AccountKey)
	require.Len(t, up.EncryptedAccountKeys, 2)

	shareSign, _, err := h.mgr.LatestKey(h.ctx, keystore.TierShareSign, h.dk)
	require.NoError(t, err)
	sig, err := keymaterial.ParseSignature(up.ShareDataSign)
	require.NoError(t, err)
	assert.Equal(t, shareSign.Hash(), sig.KeyHash)

	for _, peer := range []peerSession{peerA, peerB} {
		var ct string
		for _, e := range up.EncryptedAccountKeys {
			if e.SessionID == peer.session.UUID {
				ct = e.Ciphertext
			}
		}
		require.NotEmpty(t, ct)
		plaintext, err := distribution.OpenForSession(peer.share, ct)
		require.NoError(t, err)
		assert.Equal(t, account.PrivateKey, string(plaintext))
		assert.NoError(t, distribution.VerifyShareData(shareSign.PublicKey, plaintext, up.ShareDataSign))
	}

	evs := h.rec.Events()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeAccountKeyRotated, last.Type)
	assert.Equal(t, res.Hash, last.KeyHash)
	assert.Contains(t, h.audit.String(), `"event_type":"account_key_rotated"`)
	assert.NotContains(t, h.audit.String(), account.PrivateKey)
}

func TestRotateSupersedesPrevious(t *testing.T) {
	h := newHarness(t)
	master := h.setup()
	peer := newPeer(t, master)
	h.srv.SetSessions(peer.session)

	first, err := h.mgr.RotateAccountKey(h.ctx, master, h.dk, []apiclient.Session{peer.session})
	require.NoError(t, err)
	second, err := h.mgr.RotateAccountKey(h.ctx, master, h.dk, []apiclient.Session{peer.session})
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.Greater(t, second.Timestamp, first.Timestamp)

	uploads := h.srv.Uploads()
	require.Len(t, uploads, 2)
	assert.Equal(t, first.Hash, uploads[1].PreviousAccountKeyHash)

	_, rec, err := h.mgr.LatestKey(h.ctx, keystore.TierAccount, h.dk)
	require.NoError(t, err)
	assert.Equal(t, second.Hash, rec.Hash)
	assert.Len(t, h.accountRecords(), 2)
}

func TestRotateTamperedSessionSubmitsNothing(t *testing.T) {
	h := newHarness(t)
	master := h.setup()
	good := newPeer(t, master)
	bad := newPeer(t, master)
	other := newPeer(t, master)
	bad.session.ShareKey = other.session.ShareKey
	h.srv.SetSessions(good.session, bad.session)

	res, err := h.mgr.Rotate(h.ctx, h.dk)
	require.Error(t, err)
	assert.Nil(t, res)

	var ve *distribution.VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, bad.session.UUID, ve.SessionID)

	assert.Zero(t, h.srv.Requests(apitest.RouteAccountKey))
	assert.Empty(t, h.accountRecords())
	assert.Contains(t, h.audit.String(), `"event_type":"verification_failed"`)
	for _, e := range h.rec.Events() {
		assert.NotEqual(t, events.TypeAccountKeyRotated, e.Type)
	}
}

func TestRotateWithoutShareSignKey(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.CreateMasterKey(h.ctx, h.dk)
	require.NoError(t, err)
	master, _, err := h.mgr.LatestKey(h.ctx, keystore.TierMaster, h.dk)
	require.NoError(t, err)

	_, err = h.mgr.RotateAccountKey(h.ctx, master, h.dk, nil)
	assert.ErrorIs(t, err, ErrNoShareSignKey)
	assert.True(t, IsAbsent(err))
	assert.Zero(t, h.srv.Requests(apitest.RouteAccountKey))
	assert.Empty(t, h.accountRecords())
}

func TestRotateNetworkFailureLeavesStoreUnchanged(t *testing.T) {
	h := newHarness(t)
	master := h.setup()
	peer := newPeer(t, master)
	h.srv.SetSessions(peer.session)

	before, err := h.mgr.RotateAccountKey(h.ctx, master, h.dk, []apiclient.Session{peer.session})
	require.NoError(t, err)
	snapshot := h.accountRecords()

	h.srv.FailNext(apitest.RouteAccountKey, http.StatusServiceUnavailable)
	_, err = h.mgr.RotateAccountKey(h.ctx, master, h.dk, []apiclient.Session{peer.session})
	require.Error(t, err)

	var nerr *apiclient.NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, http.StatusServiceUnavailable, nerr.StatusCode)
	assert.Equal(t, 2, h.srv.Requests(apitest.RouteAccountKey), "submission must not be retried")

	assert.Equal(t, snapshot, h.accountRecords())
	_, rec, err := h.mgr.LatestKey(h.ctx, keystore.TierAccount, h.dk)
	require.NoError(t, err)
	assert.Equal(t, before.Hash, rec.Hash)
}

func TestRotateConflict(t *testing.T) {
	h := newHarness(t)
	master := h.setup()
	peer := newPeer(t, master)
	h.srv.SetSessions(peer.session)

	// Another device rotated first.
	h.srv.SetAccountKeyHash(keymaterial.Hash("someone else's key"))

	_, err := h.mgr.RotateAccountKey(h.ctx, master, h.dk, []apiclient.Session{peer.session})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRotationConflict)
	assert.ErrorIs(t, err, apiclient.ErrConflict)
	assert.Empty(t, h.accountRecords())
}

func TestRotateRejectsForeignShareSignKey(t *testing.T) {
	h := newHarness(t)
	master := h.setup()

	stranger, err := keymaterial.GenerateMaster(1)
	require.NoError(t, err)
	forged, err := keymaterial.Generate(keymaterial.TypeShareSign, stranger, h.clock.UnixMilli()+1000)
	require.NoError(t, err)
	_, err = h.mgr.persist(h.ctx, keystore.TierShareSign, forged, h.dk, "", "")
	require.NoError(t, err)

	_, err = h.mgr.RotateAccountKey(h.ctx, master, h.dk, nil)
	assert.ErrorIs(t, err, keymaterial.ErrSignerMismatch)
	assert.Zero(t, h.srv.Requests(apitest.RouteAccountKey))
}

func TestReceiveAccountKey(t *testing.T) {
	sender := newHarness(t)
	master := sender.setup()

	// The receiver is another session of the same user: same master key,
	// its own share key.
	receiver := newHarness(t)
	_, err := receiver.mgr.persist(receiver.ctx, keystore.TierMaster, master, receiver.dk, "", "")
	require.NoError(t, err)
	_, err = receiver.mgr.CreateShareKey(receiver.ctx, receiver.dk)
	require.NoError(t, err)
	share, _, err := receiver.mgr.LatestKey(receiver.ctx, keystore.TierShare, receiver.dk)
	require.NoError(t, err)

	session := apiclient.Session{
		UUID:         uuid.NewString(),
		Encrypted:    true,
		ShareKey:     share.PublicKey,
		ShareKeySign: share.Sign,
	}
	sender.srv.SetSessions(session)
	res, err := sender.mgr.Rotate(sender.ctx, sender.dk)
	require.NoError(t, err)

	up := sender.srv.Uploads()[0]
	batch := &distribution.Batch{
		AccountKey:           up.AccountKey,
		AccountKeySign:       up.AccountKeySign,
		EncryptedAccountKeys: up.EncryptedAccountKeys,
		ShareDataSign:        up.ShareDataSign,
	}
	shareSign, _, err := sender.mgr.LatestKey(sender.ctx, keystore.TierShareSign, sender.dk)
	require.NoError(t, err)
	public := KeyPair{PublicKey: shareSign.PublicKey, Sign: shareSign.Sign}

	rec, err := receiver.mgr.ReceiveAccountKey(receiver.ctx, receiver.dk, public, batch, session.UUID)
	require.NoError(t, err)
	assert.Equal(t, res.Hash, rec.Hash)

	_, err = receiver.mgr.ReceiveAccountKey(receiver.ctx, receiver.dk, public, batch, uuid.NewString())
	assert.ErrorIs(t, err, distribution.ErrInvalidInput)
}

func TestImportMasterKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "test")
	require.NoError(t, err)
	h := newHarness(t)
	_, err = h.mgr.ImportMasterKey(h.ctx, h.dk, pem.EncodeToMemory(block), nil)
	require.NoError(t, err)

	master, _, err := h.mgr.LatestKey(h.ctx, keystore.TierMaster, h.dk)
	require.NoError(t, err)
	require.NoError(t, keymaterial.CheckPair(master))
	_, err = h.mgr.ImportMasterKey(h.ctx, h.dk, pem.EncodeToMemory(block), nil)
	assert.ErrorIs(t, err, ErrMasterKeyExists)

	encrypted, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte("hunter2"))
	require.NoError(t, err)
	h2 := newHarness(t)
	_, err = h2.mgr.ImportMasterKey(h2.ctx, h2.dk, pem.EncodeToMemory(encrypted), []byte("wrong"))
	assert.Error(t, err)
	rec, err := h2.mgr.ImportMasterKey(h2.ctx, h2.dk, pem.EncodeToMemory(encrypted), []byte("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, master.Hash(), rec.Hash)
	assert.Contains(t, h2.audit.String(), `"event_type":"key_imported"`)
}

func TestClearAll(t *testing.T) {
	h := newHarness(t)
	h.setup()
	require.NoError(t, h.mgr.ClearAll(h.ctx))

	_, _, err := h.mgr.LatestKey(h.ctx, keystore.TierMaster, h.dk)
	assert.ErrorIs(t, err, ErrNoMasterKey)
	evs := h.rec.Events()
	assert.Equal(t, events.TypeKeysCleared, evs[len(evs)-1].Type)
}
