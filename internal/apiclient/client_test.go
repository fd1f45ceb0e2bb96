package apiclient_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyvault/internal/apiclient"
	"keyvault/internal/apitest"
	"keyvault/internal/logging"
)

func newClient(t *testing.T, srv *apitest.Server, mutate ...func(*apiclient.Config)) *apiclient.Client {
	t.Helper()
	cfg := apiclient.Config{
		BaseURL: srv.URL(),
		Token:   srv.Token,
		Logger:  logging.Discard(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := apiclient.New(cfg)
	require.NoError(t, err)
	return c
}

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := apiclient.New(apiclient.Config{})
	assert.Error(t, err)

	_, err = apiclient.New(apiclient.Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	_, err = apiclient.New(apiclient.Config{BaseURL: "https://example.com/api/", Logger: logging.Discard()})
	assert.NoError(t, err)
}

func TestListSessions(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.Token = "tok"
	self := uuid.NewString()
	other := uuid.NewString()
	srv.SetSessions(
		apiclient.Session{UUID: self, Encrypted: true, ShareKey: "sk1", ShareKeySign: "sig1", UserAgent: "desktop"},
		apiclient.Session{UUID: other, Encrypted: false},
	)

	c := newClient(t, srv, func(cfg *apiclient.Config) { cfg.SessionID = self })
	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.True(t, sessions[0].Current)
	assert.Equal(t, "sk1", sessions[0].ShareKey)
	assert.False(t, sessions[1].Current)

	ids := srv.RequestIDs()
	require.Len(t, ids, 1)
	_, err = uuid.Parse(ids[0])
	assert.NoError(t, err, "request id should be a uuid")
}

func TestListSessionsRejectsBadUUID(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.SetSessions(apiclient.Session{UUID: "not-a-uuid"})

	c := newClient(t, srv, func(cfg *apiclient.Config) {
		cfg.Retry = apiclient.RetryPolicy{MaxAttempts: 3}
	})
	_, err := c.ListSessions(context.Background())
	assert.ErrorIs(t, err, apiclient.ErrInvalidResponse)
	assert.NotErrorIs(t, err, apiclient.ErrNetwork)

	var rerr *apiclient.ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "list sessions", rerr.Op)
	assert.Equal(t, 1, srv.Requests(apitest.RouteSessions), "bad data must not be retried")
}

func TestRequestIDFromContext(t *testing.T) {
	srv := apitest.NewServer(t)
	ctx := logging.ContextWithRequestID(context.Background(), "fixed-id")

	_, err := newClient(t, srv).ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fixed-id"}, srv.RequestIDs())
}

func TestUnauthorized(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.Token = "right"

	c := newClient(t, srv, func(cfg *apiclient.Config) { cfg.Token = "wrong" })
	_, err := c.ListSessions(context.Background())

	var nerr *apiclient.NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, http.StatusUnauthorized, nerr.StatusCode)
	assert.False(t, nerr.Temporary())
}

func TestFetchMasterKey(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.SetMasterKey("alice", `{"keyType":"masterKey"}`)
	c := newClient(t, srv)

	key, err := c.FetchMasterKey(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, `{"keyType":"masterKey"}`, key)

	_, err = c.FetchMasterKey(context.Background(), "bob")
	assert.ErrorIs(t, err, apiclient.ErrNetwork)
	assert.ErrorIs(t, err, apiclient.ErrNotFound)

	_, err = c.FetchMasterKey(context.Background(), "")
	assert.Error(t, err)
}

func TestSubmitAccountKeyConflict(t *testing.T) {
	srv := apitest.NewServer(t)
	sid := uuid.NewString()
	srv.SetSessions(apiclient.Session{UUID: sid, Encrypted: true})
	srv.SetAccountKeyHash("current")
	c := newClient(t, srv)

	upload := apiclient.AccountKeyUpload{
		AccountKey:             "ak",
		AccountKeySign:         "aks",
		ShareDataSign:          "sds",
		EncryptedAccountKeys:   []apiclient.SessionCiphertext{{SessionID: sid, Ciphertext: "ct"}},
		PreviousAccountKeyHash: "stale",
	}
	err := c.SubmitAccountKey(context.Background(), upload)
	assert.ErrorIs(t, err, apiclient.ErrConflict)
	assert.Empty(t, srv.Uploads())

	upload.PreviousAccountKeyHash = "current"
	require.NoError(t, c.SubmitAccountKey(context.Background(), upload))

	uploads := srv.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, sid, uploads[0].EncryptedAccountKeys[0].SessionID)
	assert.Equal(t, "ct", uploads[0].EncryptedAccountKeys[0].Ciphertext)
}

func TestSubmitAccountKeyIsNotRetried(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.FailNext(apitest.RouteAccountKey, http.StatusServiceUnavailable)

	c := newClient(t, srv, func(cfg *apiclient.Config) {
		cfg.Retry = apiclient.RetryPolicy{MaxAttempts: 5}
	})
	err := c.SubmitAccountKey(context.Background(), apiclient.AccountKeyUpload{
		AccountKey: "ak", AccountKeySign: "s", ShareDataSign: "s",
	})
	assert.ErrorIs(t, err, apiclient.ErrNetwork)
	assert.Equal(t, 1, srv.Requests(apitest.RouteAccountKey))
}

func TestGetsAreRetried(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.FailNext(apitest.RouteSessions, http.StatusBadGateway)
	srv.FailNext(apitest.RouteSessions, http.StatusServiceUnavailable)

	c := newClient(t, srv, func(cfg *apiclient.Config) {
		cfg.Retry = apiclient.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}
	})
	_, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, srv.Requests(apitest.RouteSessions))
}

func TestTransportFailure(t *testing.T) {
	c, err := apiclient.New(apiclient.Config{
		BaseURL: "http://127.0.0.1:1/api",
		Timeout: 500 * time.Millisecond,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)

	_, err = c.ListSessions(context.Background())
	var nerr *apiclient.NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Zero(t, nerr.StatusCode)
	assert.True(t, nerr.Temporary())
}

func TestRetry(t *testing.T) {
	transient := &apiclient.NetworkError{Op: "op", StatusCode: http.StatusServiceUnavailable, Err: errors.New("busy")}
	permanent := &apiclient.NetworkError{Op: "op", StatusCode: http.StatusBadRequest, Err: errors.New("bad")}

	t.Run("stops on success", func(t *testing.T) {
		calls := 0
		err := apiclient.Retry(context.Background(), apiclient.RetryPolicy{MaxAttempts: 5}, func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		err := apiclient.Retry(context.Background(), apiclient.RetryPolicy{MaxAttempts: 5}, func(context.Context) error {
			calls++
			return permanent
		})
		assert.Same(t, permanent, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		plain := errors.New("plain")
		err := apiclient.Retry(context.Background(), apiclient.RetryPolicy{MaxAttempts: 5}, func(context.Context) error {
			calls++
			return plain
		})
		assert.Same(t, plain, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := apiclient.Retry(context.Background(), apiclient.RetryPolicy{MaxAttempts: 2}, func(context.Context) error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, apiclient.ErrNetwork)
		assert.Equal(t, 2, calls)
	})

	t.Run("zero policy runs once", func(t *testing.T) {
		calls := 0
		_ = apiclient.Retry(context.Background(), apiclient.RetryPolicy{}, func(context.Context) error {
			calls++
			return transient
		})
		assert.Equal(t, 1, calls)
	})

	t.Run("honours cancellation during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := apiclient.Retry(ctx, apiclient.RetryPolicy{MaxAttempts: 5, Backoff: time.Hour}, func(context.Context) error {
			calls++
			cancel()
			return transient
		})
		assert.ErrorIs(t, err, apiclient.ErrNetwork)
		assert.Equal(t, 1, calls)
	})

	t.Run("default policy is rate limited", func(t *testing.T) {
		p := apiclient.DefaultRetryPolicy()
		require.NotNil(t, p.Limiter)
		assert.Equal(t, 3, p.MaxAttempts)
	})
}

func TestSessionCiphertextJSON(t *testing.T) {
	var sc apiclient.SessionCiphertext
	require.NoError(t, sc.UnmarshalJSON([]byte(`["id","ct"]`)))
	assert.Equal(t, apiclient.SessionCiphertext{SessionID: "id", Ciphertext: "ct"}, sc)

	assert.Error(t, sc.UnmarshalJSON([]byte(`["only"]`)))

	data, err := sc.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `["id","ct"]`, string(data))
}
