package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/endpointguard/agent/agent/transport"
	"github.com/endpointguard/agent/internal/store"
	"github.com/endpointguard/agent/internal/tlsutil"
)

func baseParams(t *testing.T, srv *httptest.Server) transport.Params {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())
	return transport.Params{Host: u.Hostname(), Port: port, VerificationMode: tlsutil.ModeFull}
}

func TestEnroll_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/security/user/authenticate":
			w.Write([]byte(`{"data":{"token":"T"}}`))
		case "/agents":
			assert.Equal(t, "Bearer T", r.Header.Get("Authorization"))
			w.WriteHeader(201)
		default:
			w.WriteHeader(404)
		}
	}))
	defer srv.Close()

	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()
	id, err := Load(st, "", "", nil, zap.NewNop())
	require.NoError(t, err)

	client := transport.New(0, zap.NewNop())
	key := "4GhT7uFm1zQa9c2Vb7Lk8pYsX0WqZrNj"
	err = id.Enroll(context.Background(), client, EnrollParams{
		BaseParams: baseParams(t, srv),
		User:       "u",
		Password:   "p",
	}, "n1", key, nil)
	require.NoError(t, err)

	info, err := id.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "n1", info.Name)
	assert.Equal(t, key, info.Key)
	assert.NotEmpty(t, info.UUID)
}

func TestEnroll_BadKeyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"token":"T"}}`))
	}))
	defer srv.Close()

	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()
	id, err := Load(st, "", "", nil, zap.NewNop())
	require.NoError(t, err)

	client := transport.New(0, zap.NewNop())
	err = id.Enroll(context.Background(), client, EnrollParams{
		BaseParams: baseParams(t, srv),
		User:       "u",
		Password:   "p",
	}, "n1", "4GhT7uFm", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

// TestValidateKey_RejectsBadKeyBeforeAnyPersistence checks the guard
// callers (cmd/agent's --register-agent) run before ever opening a store
// or calling Load, so a malformed --key never reaches the point where an
// agent_info row could be created.
func TestValidateKey_RejectsBadKeyBeforeAnyPersistence(t *testing.T) {
	assert.ErrorIs(t, ValidateKey("4GhT7uFm"), ErrInvalidKey)
	assert.NoError(t, ValidateKey(""))
	assert.NoError(t, ValidateKey("4GhT7uFm1zQa9c2Vb7Lk8pYsX0WqZrNj"))
}

func TestEnroll_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()
	id, err := Load(st, "", "", nil, zap.NewNop())
	require.NoError(t, err)

	client := transport.New(0, zap.NewNop())
	err = id.Enroll(context.Background(), client, EnrollParams{
		BaseParams: baseParams(t, srv),
		User:       "u",
		Password:   "wrong",
	}, "n1", "", nil)
	assert.ErrorIs(t, err, ErrEnrollmentFailed)
}
