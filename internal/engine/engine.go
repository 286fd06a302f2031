// Package engine moves state between the local store and the remote: a pool
// of workers drains the durable action queue, drives the remote adapter, and
// applies results atomically to the state store and cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rvardiashvili/Orchard/internal/cache"
	"github.com/rvardiashvili/Orchard/internal/logging"
	"github.com/rvardiashvili/Orchard/internal/metrics"
	"github.com/rvardiashvili/Orchard/internal/remote"
	"github.com/rvardiashvili/Orchard/internal/store"
	"github.com/rvardiashvili/Orchard/pkg/retry"
)

// metaActionTypes are short, latency-sensitive operations handled by the
// dedicated metadata workers.
var metaActionTypes = []string{
	store.ActionListChildren,
	store.ActionRename,
	store.ActionMove,
	store.ActionEnsureLatest,
	store.ActionDelete,
}

// ioActionTypes are the transfer-heavy operations handled by the I/O pool.
var ioActionTypes = []string{
	store.ActionUpload,
	store.ActionDownload,
	store.ActionDownloadChunk,
	store.ActionUpdateContent,
}

// Config holds engine tuning.
type Config struct {
	IOWorkers   int
	MetaWorkers int

	// RootCloudID is the remote folder the local root maps to.
	RootCloudID string

	ConflictPolicy string

	ChunkSize          int64
	SmallFileThreshold int64

	HeartbeatInterval time.Duration
	IdleSleep         time.Duration
	// DeferDelay is how long an action waits when its precondition
	// (e.g. sparse promotion) is not yet met.
	DeferDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.IOWorkers < 1 {
		c.IOWorkers = 4
	}
	if c.MetaWorkers < 1 {
		c.MetaWorkers = 1
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = "local_wins"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 8 << 20
	}
	if c.SmallFileThreshold <= 0 {
		c.SmallFileThreshold = 32 << 20
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 500 * time.Millisecond
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = 5 * time.Second
	}
}

// Engine is the worker pool plus its connectivity heartbeat.
type Engine struct {
	st      *store.Store
	cache   *cache.Cache
	adapter remote.Adapter
	cfg     Config

	online     atomic.Bool
	paused     atomic.Bool
	authFailed atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds an engine. Call Start to begin processing.
func New(st *store.Store, c *cache.Cache, adapter remote.Adapter, cfg Config) *Engine {
	cfg.withDefaults()
	return &Engine{st: st, cache: c, adapter: adapter, cfg: cfg}
}

// deferError asks the worker to return the action to the queue with a delay
// instead of burning a retry.
type deferError struct{ delay time.Duration }

func (e deferError) Error() string { return "action deferred" }

// errFatal marks logic/invariant violations: the action fails terminally and
// the object surfaces in the error state.
var errFatal = errors.New("fatal")

// Start launches the heartbeat and worker pool.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	// Initial probe so the first workers don't sleep through a live link.
	e.probe(ctx)

	e.wg.Add(1)
	go e.heartbeat(ctx)

	for i := 0; i < e.cfg.IOWorkers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, fmt.Sprintf("io-%d", i), ioActionTypes)
	}
	for i := 0; i < e.cfg.MetaWorkers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, fmt.Sprintf("meta-%d", i), metaActionTypes)
	}

	// Seed the tree walk.
	if err := e.st.Enqueue(&store.Action{
		Type:      store.ActionListChildren,
		TargetID:  store.RootID,
		Direction: store.DirectionPull,
		Priority:  store.PriorityBackground,
	}); err != nil {
		logging.Error("failed to seed root listing", logging.Err(err))
	}

	logging.Info("sync engine started",
		logging.Int("io_workers", e.cfg.IOWorkers),
		logging.Int("meta_workers", e.cfg.MetaWorkers))
}

// Stop drains the pool: no new actions are claimed, in-flight workers are
// signalled, and the call returns once they finish or the grace period
// elapses.
func (e *Engine) Stop(grace time.Duration) {
	if e.cancel == nil {
		return
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info("sync engine drained")
	case <-time.After(grace):
		logging.Warn("sync engine drain timed out", logging.Int64("grace_ms", grace.Milliseconds()))
	}
}

// Pause stops claiming new actions.
func (e *Engine) Pause() { e.paused.Store(true) }

// Resume restarts claiming. Clears a sticky auth failure so the heartbeat
// can re-probe.
func (e *Engine) Resume() {
	e.authFailed.Store(false)
	e.paused.Store(false)
}

// Online reports remote reachability as seen by the heartbeat.
func (e *Engine) Online() bool { return e.online.Load() }

// Paused reports whether processing is paused.
func (e *Engine) Paused() bool { return e.paused.Load() }

// AuthFailed reports a sticky authentication failure.
func (e *Engine) AuthFailed() bool { return e.authFailed.Load() }

func (e *Engine) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := e.adapter.Ping(pctx)

	was := e.online.Load()
	now := err == nil
	e.online.Store(now)
	if now {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}

	if remote.IsAuth(err) {
		if !e.authFailed.Swap(true) {
			logging.Error("remote authentication failed; pausing engine")
		}
		e.paused.Store(true)
		return
	}
	if now && !was {
		logging.Info("remote is reachable")
	} else if !now && was {
		logging.Warn("remote is unreachable", logging.Err(err))
	}
}

func (e *Engine) heartbeat(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.probe(ctx)
			if depth, err := e.st.QueueDepth(); err == nil {
				metrics.QueueDepth.Set(float64(depth))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) worker(ctx context.Context, id string, types []string) {
	defer e.wg.Done()

	offline := retry.Config{
		InitialWait: e.cfg.IdleSleep,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
	offlineAttempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if e.paused.Load() || !e.online.Load() {
			// offline: back off, the heartbeat probes reachability
			if !sleep(ctx, offline.Backoff(offlineAttempts)) {
				return
			}
			offlineAttempts++
			continue
		}
		offlineAttempts = 0

		a, err := e.st.ClaimNext(id, types)
		if err != nil {
			logging.Error("claim failed", logging.String("worker", id), logging.Err(err))
			if !sleep(ctx, e.cfg.IdleSleep) {
				return
			}
			continue
		}
		if a == nil {
			if !sleep(ctx, e.cfg.IdleSleep) {
				return
			}
			continue
		}

		e.process(ctx, a)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) process(ctx context.Context, a *store.Action) {
	start := time.Now()
	err := e.dispatch(ctx, a)
	metrics.ActionDuration.WithLabelValues(a.Type).Observe(time.Since(start).Seconds())

	var defErr deferError
	switch {
	case err == nil:
		metrics.ActionsTotal.WithLabelValues(a.Type, "ok").Inc()
		if cerr := e.st.Complete(a.ID); cerr != nil {
			logging.Error("complete failed", logging.Err(cerr))
		}

	case errors.As(err, &defErr):
		delay := defErr.delay
		if delay <= 0 {
			delay = e.cfg.DeferDelay
		}
		metrics.ActionsTotal.WithLabelValues(a.Type, "deferred").Inc()
		if derr := e.st.Defer(a.ID, delay); derr != nil {
			logging.Error("defer failed", logging.Err(derr))
		}

	case remote.IsAuth(err):
		// do not burn retries on auth failures; pause and requeue
		e.authFailed.Store(true)
		e.paused.Store(true)
		metrics.ActionsTotal.WithLabelValues(a.Type, "auth").Inc()
		logging.Error("authentication failure",
			logging.String("type", a.Type),
			logging.String("target", a.TargetID))
		if derr := e.st.Defer(a.ID, e.cfg.HeartbeatInterval); derr != nil {
			logging.Error("defer failed", logging.Err(derr))
		}

	case errors.Is(err, errFatal):
		metrics.ActionsTotal.WithLabelValues(a.Type, "fatal").Inc()
		logging.Error("action failed fatally",
			logging.String("type", a.Type),
			logging.String("target", a.TargetID),
			logging.String("direction", a.Direction),
			logging.Err(err))
		if ferr := e.st.FailTerminal(a.ID, err.Error()); ferr != nil {
			logging.Error("terminal fail failed", logging.Err(ferr))
		}

	default:
		if errors.Is(err, syscall.ENOSPC) {
			// free space before the retry lands
			if _, everr := e.cache.EvictForSpace(e.cfg.ChunkSize, a.TargetID); everr != nil {
				logging.Error("emergency eviction failed", logging.Err(everr))
			}
		}
		metrics.ActionsTotal.WithLabelValues(a.Type, "error").Inc()
		logging.Warn("action failed",
			logging.String("type", a.Type),
			logging.String("target", a.TargetID),
			logging.String("direction", a.Direction),
			logging.Err(err))
		if ferr := e.st.Fail(a.ID, err.Error()); ferr != nil {
			logging.Error("fail failed", logging.Err(ferr))
		}
	}
}

// cloudIDOf maps an object to its remote ID; the root maps to the configured
// remote root folder.
func (e *Engine) cloudIDOf(o *store.Object) (string, error) {
	if o.ID == store.RootID {
		return e.cfg.RootCloudID, nil
	}
	if o.CloudID == nil {
		return "", fmt.Errorf("object %s has no cloud binding", o.ID)
	}
	return *o.CloudID, nil
}

// parentCloudID resolves the remote parent folder for a push.
func (e *Engine) parentCloudID(o *store.Object) (string, error) {
	if o.ParentID == nil {
		return "", fmt.Errorf("%w: object %s has no parent", errFatal, o.ID)
	}
	if *o.ParentID == store.RootID {
		return e.cfg.RootCloudID, nil
	}
	parent, err := e.st.GetObject(*o.ParentID)
	if err != nil {
		return "", err
	}
	if parent.CloudID == nil {
		return "", deferError{}
	}
	return *parent.CloudID, nil
}
