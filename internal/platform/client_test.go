package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"printcast/internal/metrics"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(ctx context.Context) (string, error) { return s.token, s.err }

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	manager := NewPollingManager(PollingOptions{CacheTTL: time.Minute})
	c := NewClient(srv.URL, staticTokens{token: "tok-1"}, manager, zap.NewNop(), metrics.Nop())
	return c, srv
}

func TestCreateBroadcastSendsBearerToken(t *testing.T) {
	var gotAuth string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"id":"bc-1","ingest_address":"rtmp://in.example/live","stream_key":"key"}`))
	}))

	b, err := c.CreateBroadcast(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "bc-1", b.BroadcastID)
	assert.Equal(t, "rtmp://in.example/live/key", b.RtmpURL())
}

func TestBroadcastStatusIsMemoized(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"id":"bc-1","lifecycle_status":"live"}`))
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		status, err := c.BroadcastStatus(ctx, "bc-1")
		require.NoError(t, err)
		assert.Equal(t, "live", status)
	}
	assert.Equal(t, int64(1), calls.Load(), "repeated GETs inside the TTL hit the cache")
}

func TestUnauthorizedBecomesAuthError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := c.TransitionBroadcast(context.Background(), "bc-1", "live")
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestTokenFailureBecomesAuthError(t *testing.T) {
	manager := NewPollingManager(PollingOptions{})
	c := NewClient("http://unused", staticTokens{err: errors.New("consent revoked")}, manager, zap.NewNop(), metrics.Nop())

	_, err := c.BroadcastStatus(context.Background(), "bc-1")
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestServerErrorIsReported(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	err := c.TransitionBroadcast(context.Background(), "bc-1", "live")
	assert.Error(t, err)
	var authErr *AuthError
	assert.False(t, errors.As(err, &authErr), "a 409 is an ordinary API error")
}

func TestFindPlaylistMatchesExactTitle(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":"pl-1","title":"Prints"},{"id":"pl-2","title":"Prints (old)"}]}`))
	}))

	id, err := c.FindPlaylist(context.Background(), "Prints")
	require.NoError(t, err)
	assert.Equal(t, "pl-1", id)

	id, err = c.FindPlaylist(context.Background(), "Nope")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestIngestionStatus(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/live/broadcasts/bc-1/ingestion", r.URL.Path)
		w.Write([]byte(`{"status":"active"}`))
	}))

	status, err := c.IngestionStatus(context.Background(), "bc-1")
	require.NoError(t, err)
	assert.Equal(t, "active", status)
}
