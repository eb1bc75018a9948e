package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingCore is a fake core API recording the method sequence it serves.
type recordingCore struct {
	mu       sync.Mutex
	requests []string
	failures int // respond 500 to this many requests first
}

func (c *recordingCore) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sqlite_workers/pod-1", r.URL.Path)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.requests = append(c.requests, r.Method)
		if c.failures > 0 {
			c.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (c *recordingCore) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.requests...)
}

func TestHeartbeat(t *testing.T) {
	var core = &recordingCore{}
	var srv = httptest.NewServer(core.handler(t))
	defer srv.Close()

	var lifecycle = NewLifecycle("pod-1", srv.URL)
	require.NoError(t, lifecycle.Heartbeat(context.Background()))
	require.Equal(t, []string{"POST"}, core.recorded())
}

func TestHeartbeatFailureIsAnError(t *testing.T) {
	var core = &recordingCore{failures: 1}
	var srv = httptest.NewServer(core.handler(t))
	defer srv.Close()

	var lifecycle = NewLifecycle("pod-1", srv.URL)
	require.Error(t, lifecycle.Heartbeat(context.Background()))
}

func TestDeregisterRetriesBoundedly(t *testing.T) {
	var core = &recordingCore{failures: 2}
	var srv = httptest.NewServer(core.handler(t))
	defer srv.Close()

	var lifecycle = NewLifecycle("pod-1", srv.URL)
	require.NoError(t, lifecycle.Deregister(context.Background()))
	require.Equal(t, []string{"DELETE", "DELETE", "DELETE"}, core.recorded())
}

func TestDeregisterGivesUpAfterThreeAttempts(t *testing.T) {
	var core = &recordingCore{failures: 10}
	var srv = httptest.NewServer(core.handler(t))
	defer srv.Close()

	var lifecycle = NewLifecycle("pod-1", srv.URL)

	var err = lifecycle.Deregister(context.Background())
	var lifecycleErr *LifecycleError
	require.ErrorAs(t, err, &lifecycleErr)
	require.Equal(t, []string{"DELETE", "DELETE", "DELETE"}, core.recorded())
}

func TestShutdownSequenceOrdering(t *testing.T) {
	// Once shutdown begins the heartbeat loop stops, and the deregister
	// DELETE is the last request core observes, after the POST heartbeats.
	var core = &recordingCore{}
	var srv = httptest.NewServer(core.handler(t))
	defer srv.Close()

	var lifecycle = NewLifecycle("pod-1", srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	var loopDone = make(chan struct{})
	go func() {
		defer close(loopDone)
		lifecycle.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(core.recorded()) >= 1
	}, time.Second, 10*time.Millisecond)

	lifecycle.BeginShutdown()
	cancel()
	<-loopDone
	require.NoError(t, lifecycle.Deregister(context.Background()))

	var recorded = core.recorded()
	require.Equal(t, "DELETE", recorded[len(recorded)-1])
	for _, method := range recorded[:len(recorded)-1] {
		require.Equal(t, "POST", method)
	}
}

func TestConfigValidate(t *testing.T) {
	var cfg Config

	var err = cfg.Validate()
	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	require.Equal(t, "HOSTNAME", configErr.Name)

	cfg.Worker.Hostname = "pod-1"
	err = cfg.Validate()
	require.ErrorAs(t, err, &configErr)
	require.Equal(t, "CORE_API", configErr.Name)

	cfg.Worker.CoreAPI = "http://core"
	err = cfg.Validate()
	require.ErrorAs(t, err, &configErr)
	require.Equal(t, "DATABASES_STORE_DATABASE_URI", configErr.Name)

	cfg.Store.URI = "postgres://localhost/rows"
	require.NoError(t, cfg.Validate())
}
