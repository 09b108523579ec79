package redenergy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redsync/redsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu          sync.Mutex
	token       types.Token
	ensureCalls int
	invalidated int
	err         error
}

func (f *fakeTokens) EnsureValidSession(ctx context.Context) (types.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	if f.err != nil {
		return types.Token{}, f.err
	}
	return f.token, nil
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	// the next session is a fresh one
	f.token.AccessToken = "fresh"
}

func TestClientUsage(t *testing.T) {
	tokens := &fakeTokens{token: types.Token{AccessToken: "at-1", TokenType: "Bearer"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/usage/interval", r.URL.Path)
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "4235478511", q.Get("consumerNumber"))
		assert.Equal(t, "2025-08-15", q.Get("fromDate"))
		assert.Equal(t, "2025-09-06", q.Get("toDate"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usageData": []}`))
	}))
	defer srv.Close()

	c := New(srv.URL, tokens)
	raw, err := c.Usage(context.Background(),
		"4235478511",
		time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 9, 6, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"usageData": []}`, string(raw))
}

func TestClientRetriesOnceOn401(t *testing.T) {
	tokens := &fakeTokens{token: types.Token{AccessToken: "stale", TokenType: "Bearer"}}

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, tokens)
	_, err := c.Customer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestClient401TwiceFails(t *testing.T) {
	tokens := &fakeTokens{token: types.Token{AccessToken: "stale", TokenType: "Bearer"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, tokens)
	_, err := c.Properties(context.Background())
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, 1, tokens.invalidated, "only one recovery attempt per request")
}

func TestClientStatusErrorClassification(t *testing.T) {
	tokens := &fakeTokens{token: types.Token{AccessToken: "at-1", TokenType: "Bearer"}}

	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := New(srv.URL, tokens)

	status = http.StatusBadGateway
	_, err := c.Customer(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Transient())

	status = http.StatusNotFound
	_, err = c.Customer(context.Background())
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Transient())

	status = http.StatusTooManyRequests
	_, err = c.Customer(context.Background())
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Transient())
}

func TestClientNoSession(t *testing.T) {
	tokens := &fakeTokens{err: assert.AnError}
	c := New("http://localhost:0", tokens)
	_, err := c.Customer(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
