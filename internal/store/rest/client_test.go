package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventlens/arscan/internal/store"
)

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c := New("http://localhost:5000/", "secret", 0)
	assert.Equal(t, "http://localhost:5000", c.baseURL)
	assert.NotNil(t, c.httpClient)
}

func TestHealthcheck_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthcheck", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, "", time.Second)
	require.NoError(t, c.Healthcheck())
}

func TestHealthcheck_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, "", time.Second)
	assert.Error(t, c.Healthcheck())
}

func TestLookupStall_Found(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stalls/lookup", r.URL.Path)
		assert.Equal(t, "A7", r.URL.Query().Get("marker"))
		assert.Equal(t, "summerfest", r.URL.Query().Get("event"))
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "stall-001",
			"marker": "A7",
			"event": "summerfest",
			"name": "Lemonade Stand",
			"category": "drinks",
			"status": "open",
			"crowdLevel": "low",
			"position": "13.4,52.5"
		}`))
	}))
	defer server.Close()

	c := New(server.URL, "sekrit", time.Second)
	stall, err := c.LookupStall(context.Background(), "A7", "summerfest")
	require.NoError(t, err)

	assert.Equal(t, "stall-001", stall.ID)
	assert.Equal(t, "Lemonade Stand", stall.Name)
	assert.EqualValues(t, "summerfest", stall.EventScope)
	assert.Equal(t, "open", stall.Status)
	assert.False(t, stall.FetchedAt.IsZero())
}

func TestLookupStall_NotRegistered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL, "", time.Second)
	_, err := c.LookupStall(context.Background(), "B3", "summerfest")
	assert.ErrorIs(t, err, store.ErrNotRegistered)
}

func TestLookupStall_ScopeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	c := New(server.URL, "", time.Second)
	_, err := c.LookupStall(context.Background(), "A7", "otherfest")
	assert.ErrorIs(t, err, store.ErrScopeMismatch)
}

func TestLookupStall_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(server.URL, "", time.Second)
	_, err := c.LookupStall(context.Background(), "A7", "summerfest")
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotRegistered)
	assert.NotErrorIs(t, err, store.ErrScopeMismatch)
}

func TestLookupStall_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	c := New(server.URL, "", 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.LookupStall(ctx, "A7", "summerfest")
	assert.Error(t, err)
}
