package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// HeartbeatInterval is the cadence of worker heartbeats to core. The
// control plane's liveness window (3s) tolerates occasional loss.
const HeartbeatInterval = 1024 * time.Millisecond

const (
	heartbeatTimeout   = 2 * time.Second
	deregisterAttempts = 3
)

// LifecycleError is a heartbeat or shutdown failure. It is logged, never
// surfaced to API callers.
type LifecycleError struct {
	Op  string
	Err error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("lifecycle %s: %s", e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// Lifecycle registers the worker with core via heartbeat and deregisters
// it on shutdown.
type Lifecycle struct {
	hostname     string
	coreAPI      string
	client       *http.Client
	shuttingDown atomic.Bool
}

// NewLifecycle returns a Lifecycle heartbeating as |hostname| against the
// core API base URL.
func NewLifecycle(hostname, coreAPI string) *Lifecycle {
	return &Lifecycle{
		hostname: hostname,
		coreAPI:  coreAPI,
		client:   &http.Client{Timeout: heartbeatTimeout},
	}
}

// Run heartbeats every HeartbeatInterval until BeginShutdown or context
// cancellation. Heartbeat failures are logged and non-fatal.
func (l *Lifecycle) Run(ctx context.Context) {
	var ticker = time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		if l.shuttingDown.Load() {
			return
		}
		if err := l.Heartbeat(ctx); err != nil {
			heartbeatFailuresCounter.Inc()
			log.WithField("err", err).Warn("failed to send heartbeat")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Heartbeat registers or refreshes this worker with core.
func (l *Lifecycle) Heartbeat(ctx context.Context) error {
	return l.coreRequest(ctx, "POST")
}

// BeginShutdown marks the worker as shutting down; the heartbeat loop
// observes the flag and exits.
func (l *Lifecycle) BeginShutdown() {
	l.shuttingDown.Store(true)
}

// Deregister tells core to stop routing queries to this worker, with
// bounded retries. Core must not route new queries once it returns.
func (l *Lifecycle) Deregister(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < deregisterAttempts; attempt++ {
		if lastErr = l.coreRequest(ctx, "DELETE"); lastErr == nil {
			return nil
		}
		log.WithFields(log.Fields{"attempt": attempt + 1, "err": lastErr}).
			Warn("failed to send deregister request")
	}
	return &LifecycleError{Op: "deregister", Err: lastErr}
}

func (l *Lifecycle) coreRequest(ctx context.Context, method string) error {
	req, err := http.NewRequestWithContext(ctx, method,
		fmt.Sprintf("%s/sqlite_workers/%s", l.coreAPI, l.hostname), nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("core responded with status %d", resp.StatusCode)
	}
	return nil
}
