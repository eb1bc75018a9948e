// Package directory is the control-plane view of the worker fleet: the set
// of known workers, their last-heartbeat instants, the liveness predicate
// used to route, and the client used to reach a routed worker.
package directory

import (
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"
)

// HeartbeatLiveness is the liveness window: a worker is routable iff a
// heartbeat was received within it.
const HeartbeatLiveness = 3000 * time.Millisecond

// PruneHorizon is how long a silent worker's entry survives before the
// janitor removes it.
const PruneHorizon = time.Minute

// Directory tracks workers by pod name and their last heartbeat.
type Directory struct {
	mu      sync.RWMutex
	workers map[string]time.Time
	// now is a hook for liveness tests.
	now func() time.Time
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{
		workers: make(map[string]time.Time),
		now:     time.Now,
	}
}

// RegisterOrRefresh upserts the worker's last-heartbeat instant.
func (d *Directory) RegisterOrRefresh(podName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers[podName] = d.now()
}

// Deregister removes the worker. Core must not route to it afterwards.
func (d *Directory) Deregister(podName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, podName)
}

// IsAlive reports whether the worker heartbeat within the liveness window.
func (d *Directory) IsAlive(podName string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	last, ok := d.workers[podName]
	return ok && d.now().Sub(last) < HeartbeatLiveness
}

// PickLiveWorker returns the live worker to which the database routes.
// Selection is highest-random-weight over a keyed hash of
// (database_id, pod_name), so a database keeps routing to the same worker
// while that worker stays live, without any shared assignment state.
func (d *Directory) PickLiveWorker(databaseID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var now = d.now()
	var best string
	var bestScore uint64
	var found bool

	for podName, last := range d.workers {
		if now.Sub(last) >= HeartbeatLiveness {
			continue
		}
		var score = routingScore(databaseID, podName)
		if !found || score > bestScore {
			best, bestScore, found = podName, score, true
		}
	}
	return best, found
}

// routingKey is a fixed 32 bytes (as required by HighwayHash) read from /dev/random.
var routingKey, _ = hex.DecodeString("2c70e12b7a0646f92279f427c7b38e7334d8e5389cff167a1dc30e73f826b683")

func routingScore(databaseID, podName string) uint64 {
	return highwayhash.Sum64([]byte(databaseID+"\x00"+podName), routingKey)
}

// StartJanitor removes entries silent for longer than PruneHorizon, at the
// given cadence, until the stop channel closes.
func (d *Directory) StartJanitor(cadence time.Duration, stop <-chan struct{}) {
	go func() {
		var ticker = time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.prune()
			}
		}
	}()
}

func (d *Directory) prune() {
	var cutoff = d.now().Add(-PruneHorizon)

	d.mu.Lock()
	defer d.mu.Unlock()
	for podName, last := range d.workers {
		if last.Before(cutoff) {
			log.WithField("pod", podName).Info("pruning silent worker")
			delete(d.workers, podName)
		}
	}
}

// RegisterAPIs registers the worker registration endpoints consumed by
// worker heartbeats with the router.
func (d *Directory) RegisterAPIs(router *mux.Router) {
	router.
		Path("/sqlite_workers/{pod_name}").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d.RegisterOrRefresh(mux.Vars(r)["pod_name"])
			w.WriteHeader(http.StatusOK)
		})
	router.
		Path("/sqlite_workers/{pod_name}").
		Methods("DELETE").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d.Deregister(mux.Vars(r)["pod_name"])
			w.WriteHeader(http.StatusOK)
		})
}
