package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/runsync/internal/resilience"
)

func newTestClient(url string) *StatusClient {
	return NewStatusClient(url, ClientOptions{Timeout: 2 * time.Second, RatePerSec: 1000, Burst: 10})
}

func TestStatusClient_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pipeline/run-1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"run_id":"run-1","status":"processing","current_stage":2,
			"stages":{"1":{"status":"completed","completed_at":null},"2":{"status":"processing","completed_at":null}}}`))
	}))
	defer srv.Close()

	snap, err := newTestClient(srv.URL + "/").FetchStatus(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 2, snap.CurrentStage)
	assert.Equal(t, 1, snap.CompletedStages())
}

func TestStatusClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"Run ID not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchStatus(context.Background(), "run-1")
	assert.ErrorIs(t, err, ErrStatusNotFound)
}

func TestStatusClient_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchStatus(context.Background(), "run-1")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, http.StatusBadGateway, resilience.StatusCode(err))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestStatusClient_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchStatus(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode status")
}

func TestPoller_AgainstServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := hits.Add(1)
		switch {
		case n <= 2:
			http.NotFound(w, nil)
		case n == 3:
			http.Error(w, "busy", http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"run_id":"run-1","status":"completed","current_stage":5,"stages":{}}`))
		}
	}))
	defer srv.Close()

	clock := newFakeClock()
	p := New(newTestClient(srv.URL), DefaultConfig(), WithClock(clock.Now, clock.Sleep))

	res, err := p.Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Snapshot.Status)
	assert.Equal(t, int32(4), hits.Load())
}
