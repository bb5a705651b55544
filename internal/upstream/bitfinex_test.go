package upstream

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

	"github.com/YaganovValera/snapshot-broadcaster/pkg/backoff"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

func fastBackoff() backoff.Config {
	return backoff.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  200 * time.Millisecond,
	}
}

func newClient(t *testing.T, h http.HandlerFunc) *BitfinexClient {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	c, err := NewBitfinexClient(Config{BaseURL: ts.URL, Backoff: fastBackoff()}, ts.Client(), logger.NewNop())
	require.NoError(t, err)
	return c
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, "https://api.bitfinex.com/v2", cfg.BaseURL)
	assert.Equal(t, 25, cfg.Limit)
	assert.NoError(t, cfg.Validate())

	cfg.Symbols = []string{"tBTCUSD", ""}
	assert.Error(t, cfg.Validate())
}

func TestFetchSnapshot_RequestShapeAndVerbatimBody(t *testing.T) {
	const body = `[[8123.1,2,0.5],[8122,1,-1.25]]`
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/book/tBTCUSD/P0", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("len"))
		_, _ = w.Write([]byte(body))
	})

	got, err := c.FetchSnapshot(context.Background(), "tBTCUSD", 0)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestFetchSnapshot_ExplicitLimit(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("len"))
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := c.FetchSnapshot(context.Background(), "tETHUSD", 100)
	require.NoError(t, err)
}

func TestFetchSnapshot_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"bids":[]}`))
	})

	got, err := c.FetchSnapshot(context.Background(), "tBTCUSD", 0)
	require.NoError(t, err)
	assert.Equal(t, `{"bids":[]}`, string(got))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchSnapshot_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `["error",10020,"symbol: invalid"]`, http.StatusBadRequest)
	})

	_, err := c.FetchSnapshot(context.Background(), "tNOPE", 0)
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "tNOPE", fe.Topic.String())

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchSnapshot_InvalidJSON(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	})

	_, err := c.FetchSnapshot(context.Background(), "tBTCUSD", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestFetchSnapshot_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	c, err := NewBitfinexClient(Config{BaseURL: addr, Backoff: fastBackoff()}, nil, logger.NewNop())
	require.NoError(t, err)

	_, err = c.FetchSnapshot(context.Background(), "tBTCUSD", 0)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
}
