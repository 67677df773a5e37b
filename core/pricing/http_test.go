package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPOracleFetchesQuote(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prices/SOL", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"asset":"SOL","price":"101.25","as_of":%q,"confidence_window_seconds":30}`, asOf.Format(time.RFC3339))
	}))
	defer srv.Close()

	oracle, err := NewHTTPOracle(HTTPOracleConfig{BaseURL: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	quote, err := oracle.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	require.Equal(t, 0, quote.Price.Cmp(big.NewRat(10125, 100)))
	require.True(t, quote.AsOf.Equal(asOf))
	require.Equal(t, 30*time.Second, quote.ConfidenceWindow)
}

func TestHTTPOracleRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"price":"1","as_of":%q}`, time.Now().UTC().Format(time.RFC3339))
	}))
	defer srv.Close()

	oracle, err := NewHTTPOracle(HTTPOracleConfig{BaseURL: srv.URL, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxRetries: 3})
	require.NoError(t, err)

	quote, err := oracle.GetPrice(context.Background(), "USDC")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, time.Minute, quote.ConfidenceWindow)
}

func TestHTTPOracleClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown asset", http.StatusNotFound)
	}))
	defer srv.Close()

	oracle, err := NewHTTPOracle(HTTPOracleConfig{BaseURL: srv.URL, InitialBackoff: time.Millisecond, MaxRetries: 3})
	require.NoError(t, err)

	_, err = oracle.GetPrice(context.Background(), "DOGE")
	require.True(t, errors.Is(err, ErrOracleUnavailable))
	require.Equal(t, int32(1), calls.Load())
}

func TestNewHTTPOracleRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPOracle(HTTPOracleConfig{})
	require.Error(t, err)
}
