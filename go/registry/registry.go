// Package registry maintains the process-local mapping from database_id to
// its lazily materialized in-memory engine: at most one live engine per
// database, at most one concurrent build per database, invalidation on
// upsert, idle eviction, and drain on shutdown.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfleet/sqlite-worker/go/database"
	"github.com/openfleet/sqlite-worker/go/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Defaults applied by New when an Options field is zero.
const (
	DefaultQueryTimeout   = 30 * time.Second
	DefaultIdleEviction   = 5 * time.Minute
	DefaultJanitorCadence = time.Second
)

// ErrDraining is returned for lookups arriving after Drain began.
var ErrDraining = errors.New("registry is draining")

// errStaleBuild marks a build whose database was invalidated while the
// build ran. The engine is discarded and the lookup retries.
var errStaleBuild = errors.New("build superseded by invalidation")

// Options tune the registry.
type Options struct {
	QueryTimeout   time.Duration
	IdleEviction   time.Duration
	JanitorCadence time.Duration
}

// Handle is a Ready engine plus its last-access instant and in-flight
// reader accounting. Handles are owned by the registry; queries borrow
// them via acquire/release.
type Handle struct {
	databaseID string
	engine     *database.Engine
	atime      atomic.Int64 // unix nanos of last acquire
	readers    sync.WaitGroup
}

func (h *Handle) touch() { h.atime.Store(time.Now().UnixNano()) }

func (h *Handle) release() { h.readers.Done() }

// Registry implements the lookup-or-build cache.
type Registry struct {
	store store.DatabasesStore
	opts  Options

	// mu guards entries, gens and draining. It is held only for map
	// mutations, never across a build or a query.
	mu       sync.Mutex
	entries  map[string]*Handle
	gens     map[string]uint64
	draining bool

	// builds coalesces concurrent cold lookups of one database into a
	// single materialization. Builds of distinct databases run in parallel.
	builds singleflight.Group

	// closers tracks handles being closed in the background after
	// invalidation or eviction, so Drain can await them.
	closers sync.WaitGroup

	janitorStop     chan struct{}
	janitorStopOnce sync.Once
}

// New returns a Registry over the given row store, applying defaults for
// zero Options fields.
func New(s store.DatabasesStore, opts Options) *Registry {
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.IdleEviction == 0 {
		opts.IdleEviction = DefaultIdleEviction
	}
	if opts.JanitorCadence == 0 {
		opts.JanitorCadence = DefaultJanitorCadence
	}
	return &Registry{
		store:       s,
		opts:        opts,
		entries:     make(map[string]*Handle),
		gens:        make(map[string]uint64),
		janitorStop: make(chan struct{}),
	}
}

// Query resolves the database's engine, building it if needed, and executes
// a single read-only statement against it.
func (r *Registry) Query(ctx context.Context, databaseID, query string) (database.QueryResult, error) {
	h, err := r.acquire(ctx, databaseID)
	if err != nil {
		return database.QueryResult{}, err
	}
	defer h.release()

	return h.engine.Query(ctx, query, r.opts.QueryTimeout)
}

// acquire returns the unique live handle for the database, as a reader.
// On a cold miss this lookup becomes the builder, or joins the build
// already in progress.
func (r *Registry) acquire(ctx context.Context, databaseID string) (*Handle, error) {
	for {
		r.mu.Lock()
		if r.draining {
			r.mu.Unlock()
			return nil, ErrDraining
		}
		if h, ok := r.entries[databaseID]; ok {
			h.readers.Add(1)
			h.touch()
			r.mu.Unlock()
			return h, nil
		}
		var gen = r.gens[databaseID]
		r.mu.Unlock()

		if _, err, _ := r.builds.Do(databaseID, func() (interface{}, error) {
			return nil, r.build(databaseID, gen)
		}); err != nil {
			if errors.Is(err, errStaleBuild) {
				continue
			}
			return nil, err
		}
		// The handle published by the build may already have been
		// invalidated again; loop to acquire whatever is current.

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// build materializes the database and publishes the handle, unless the
// database was invalidated (or the registry began draining) while the
// build ran. Builds deliberately do not inherit a caller's context: every
// waiter coalesced onto this build shares its outcome.
func (r *Registry) build(databaseID string, gen uint64) error {
	var ctx = context.Background()

	// A previous flight may have published between this lookup's map miss
	// and its entry into the flight; don't materialize twice.
	r.mu.Lock()
	if _, ok := r.entries[databaseID]; ok {
		var stale = r.gens[databaseID] != gen
		r.mu.Unlock()
		if stale {
			return errStaleBuild
		}
		return nil
	}
	r.mu.Unlock()

	tables, _, err := r.store.ListTables(ctx, databaseID, nil)
	if err != nil {
		return err
	}
	rows, err := r.store.ListRowsAllTables(ctx, databaseID)
	if err != nil {
		return err
	}
	var byTable = database.GroupRowsByTable(rows)

	// Rows may exist for tables the control plane has not recorded yet;
	// synthesize a record so their rows are still queryable.
	var known = make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t.TableID] = true
	}
	for tableID := range byTable {
		if !known[tableID] {
			tables = append(tables, database.Table{DatabaseID: databaseID, TableID: tableID})
		}
	}

	engine, err := database.MaterializeEngine(ctx, databaseID, tables, byTable)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		engine.Close()
		return ErrDraining
	}
	if r.gens[databaseID] != gen {
		r.mu.Unlock()
		engine.Close()
		return errStaleBuild
	}
	var h = &Handle{databaseID: databaseID, engine: engine}
	h.touch()
	r.entries[databaseID] = h
	r.mu.Unlock()

	log.WithFields(log.Fields{"database": databaseID, "tables": len(tables), "rows": len(rows)}).
		Info("materialized database")
	return nil
}

// Invalidate atomically removes the database's handle (if any) and fences
// off any build in progress, so that a query arriving after Invalidate
// returns can only observe freshly loaded rows. A fenced build discards
// its engine and its waiters retry, keeping materializations of one
// database serialized. The removed engine is closed in the background
// once its in-flight queries complete.
func (r *Registry) Invalidate(databaseID string) {
	r.mu.Lock()
	r.gens[databaseID]++
	var h = r.entries[databaseID]
	delete(r.entries, databaseID)
	if h != nil {
		r.closers.Add(1)
	}
	r.mu.Unlock()

	if h != nil {
		go func() {
			defer r.closers.Done()
			h.readers.Wait()
			h.engine.Close()
		}()
	}
}

// StartJanitor runs idle eviction at the configured cadence until Drain.
func (r *Registry) StartJanitor() {
	go func() {
		var ticker = time.NewTicker(r.opts.JanitorCadence)
		defer ticker.Stop()
		for {
			select {
			case <-r.janitorStop:
				return
			case <-ticker.C:
				r.evictIdle()
			}
		}
	}()
}

// evictIdle removes handles whose last access is older than the idle
// window. Eviction never interrupts an in-flight query: the engine is
// closed only once its readers reach zero.
func (r *Registry) evictIdle() {
	var cutoff = time.Now().Add(-r.opts.IdleEviction).UnixNano()

	r.mu.Lock()
	var evicted []*Handle
	for databaseID, h := range r.entries {
		if h.atime.Load() < cutoff {
			delete(r.entries, databaseID)
			evicted = append(evicted, h)
		}
	}
	r.closers.Add(len(evicted))
	r.mu.Unlock()

	for _, h := range evicted {
		log.WithField("database", h.databaseID).Info("evicting idle database")
		go func(h *Handle) {
			defer r.closers.Done()
			h.readers.Wait()
			h.engine.Close()
		}(h)
	}
}

// Len returns the number of Ready handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Drain refuses new lookups, waits for every handle's in-flight queries to
// complete, and releases all engines. It returns early with the context's
// error if the deadline expires first.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	var handles = make([]*Handle, 0, len(r.entries))
	for _, h := range r.entries {
		handles = append(handles, h)
	}
	r.entries = make(map[string]*Handle)
	r.mu.Unlock()

	r.janitorStopOnce.Do(func() { close(r.janitorStop) })

	var done = make(chan struct{})
	go func() {
		defer close(done)
		for _, h := range handles {
			h.readers.Wait()
			h.engine.Close()
		}
		r.closers.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
