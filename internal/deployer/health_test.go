package deployer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHealthGateSucceedsAfterRetries(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := healthGate(context.Background(), srv.URL, 5*time.Second, srv.Client())
	require.NoError(t, err)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestHealthGateDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := healthGate(context.Background(), srv.URL, 1500*time.Millisecond, srv.Client())
	require.Error(t, err)
}
