package cooldown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fulcrum/messagebus/internal/logging"
	"fulcrum/messagebus/internal/metrics"
)

const reaperPollInterval = 5 * time.Millisecond

type slot struct {
	expiresAt time.Time
	stamp     uint64
}

func (s slot) isExpired(now time.Time) bool {
	return !s.expiresAt.After(now)
}

// Registry grants, queries, clears, and expires cooldown slots keyed by Key.
type Registry struct {
	logger  *logging.Logger
	metrics *metrics.Registry

	aliases *aliasGraph
	queue   *delayQueue

	mu      sync.Mutex
	entries map[Key]slot
	stamp   atomic.Uint64

	paused    atomic.Bool
	stopCh    chan struct{}
	wakeCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewRegistry constructs a registry and starts its dedicated reaper goroutine.
func NewRegistry(logger *logging.Logger, metricsRegistry *metrics.Registry) *Registry {
	if metricsRegistry == nil {
		metricsRegistry = metrics.Default()
	}
	r := &Registry{
		logger:  logger,
		metrics: metricsRegistry,
		aliases: newAliasGraph(),
		queue:   newDelayQueue(),
		entries: make(map[Key]slot),
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
	go r.reap()
	return r
}

// Acquire grants or rejects a cooldown slot for key under spec.
func (r *Registry) Acquire(key Key, spec Spec) (Acquisition, error) {
	if spec.Window <= 0 {
		return Acquisition{}, ErrInvalidArgument("cooldown window must be strictly positive")
	}
	canonical := r.aliases.canonical(key)
	now := time.Now()

	r.mu.Lock()
	existing, ok := r.entries[canonical]
	if !ok || existing.isExpired(now) {
		stamp := r.stamp.Add(1)
		expiresAt := now.Add(spec.Window)
		r.entries[canonical] = slot{expiresAt: expiresAt, stamp: stamp}
		r.mu.Unlock()

		r.queue.push(canonical, stamp, expiresAt)
		r.wake()
		r.metrics.CooldownAcquired.WithLabelValues(spec.Policy.String()).Inc()
		r.metrics.CooldownTracked.Set(float64(r.TrackedCount()))
		return Acquisition{Accepted: true, Ticket: Ticket{Key: canonical, ExpiresAt: expiresAt}}, nil
	}

	if spec.Policy == ExtendOnAcquire {
		stamp := r.stamp.Add(1)
		expiresAt := now.Add(spec.Window)
		r.entries[canonical] = slot{expiresAt: expiresAt, stamp: stamp}
		r.mu.Unlock()

		r.queue.push(canonical, stamp, expiresAt)
		r.wake()
		r.metrics.CooldownAcquired.WithLabelValues(spec.Policy.String()).Inc()
		return Acquisition{Accepted: true, Ticket: Ticket{Key: canonical, ExpiresAt: expiresAt}}, nil
	}

	remaining := existing.expiresAt.Sub(now)
	r.mu.Unlock()
	r.metrics.CooldownRejected.WithLabelValues(spec.Policy.String()).Inc()
	return Acquisition{Accepted: false, Remaining: remaining}, nil
}

// Remaining returns the positive remainder for key's canonical entry, or
// (0, false) when none exists or it has expired.
func (r *Registry) Remaining(key Key) (time.Duration, bool) {
	canonical := r.aliases.canonical(key)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[canonical]
	if !ok || entry.isExpired(now) {
		return 0, false
	}
	return entry.expiresAt.Sub(now), true
}

// Clear deletes the canonical key's entry. No effect if absent.
func (r *Registry) Clear(key Key) {
	canonical := r.aliases.canonical(key)
	r.mu.Lock()
	delete(r.entries, canonical)
	r.mu.Unlock()
}

// Link unions each alias's root into primary's root, merging any active
// entries by keeping the later expiresAt and bumping the generation stamp so
// a stale reaper event for the losing entry cannot evict the merged one.
func (r *Registry) Link(primary Key, aliases ...Key) error {
	for _, alias := range aliases {
		primaryRoot, aliasRoot, merged := r.aliases.link(primary, alias)
		if !merged {
			continue
		}

		r.mu.Lock()
		primaryEntry, primaryOK := r.entries[primaryRoot]
		aliasEntry, aliasOK := r.entries[aliasRoot]
		if aliasOK {
			delete(r.entries, aliasRoot)
			if !primaryOK || aliasEntry.expiresAt.After(primaryEntry.expiresAt) {
				stamp := r.stamp.Add(1)
				merged := slot{expiresAt: aliasEntry.expiresAt, stamp: stamp}
				r.entries[primaryRoot] = merged
				r.mu.Unlock()
				r.queue.push(primaryRoot, stamp, merged.expiresAt)
				r.wake()
				continue
			}
		}
		r.mu.Unlock()
	}
	return nil
}

// DrainOnce synchronously sweeps up to maxBatch expired entries and returns
// the count removed.
func (r *Registry) DrainOnce(maxBatch int) (int, error) {
	if maxBatch < 0 {
		return 0, ErrInvalidArgument("drain batch must not be negative")
	}
	removed := 0
	now := time.Now()
	for removed < maxBatch {
		event, ok := r.queue.peek()
		if !ok || event.atTime.After(now) {
			break
		}
		r.queue.pop()
		if r.reapEvent(event) {
			removed++
		}
	}
	return removed, nil
}

// TrackedCount returns the number of currently tracked entries (expired or not).
func (r *Registry) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// PauseReaper suspends background reaping until ResumeReaper is called.
func (r *Registry) PauseReaper() { r.paused.Store(true) }

// ResumeReaper re-enables background reaping.
func (r *Registry) ResumeReaper() {
	r.paused.Store(false)
	r.wake()
}

func (r *Registry) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// reapEvent removes the entry for event.key only if its stamp still matches
// the current entry's stamp, preventing a stale expiry from evicting a
// freshly-extended entry. Returns whether an entry was actually removed.
func (r *Registry) reapEvent(event *expiryEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[event.key]
	if !ok || current.stamp != event.stamp {
		return false
	}
	delete(r.entries, event.key)
	return true
}

// reap is the dedicated background goroutine. It parks on a timer reset to
// the queue's earliest deadline, recovering and logging any panic from
// defensive code so only Close stops the loop.
func (r *Registry) reap() {
	defer close(r.doneCh)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if r.paused.Load() {
			select {
			case <-r.stopCh:
				return
			case <-time.After(reaperPollInterval):
				continue
			}
		}

		next, ok := r.queue.peek()
		if !ok {
			if !timer.Stop() {
				drainTimer(timer)
			}
			select {
			case <-r.stopCh:
				return
			case <-r.wakeCh:
				continue
			}
		}

		wait := time.Until(next.atTime)
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			drainTimer(timer)
		}
		timer.Reset(wait)

		select {
		case <-r.stopCh:
			return
		case <-r.wakeCh:
			continue
		case <-timer.C:
			r.runReapTick()
		}
	}
}

func (r *Registry) runReapTick() {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Error("cooldown reaper tick panicked", logging.String("recovered", errString(rec)))
		}
	}()
	now := time.Now()
	for {
		event, ok := r.queue.peek()
		if !ok || event.atTime.After(now) {
			return
		}
		r.queue.pop()
		r.reapEvent(event)
	}
}

func errString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "non-error panic"
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// Close stops the reaper, clears the entry map, and drains the delay queue.
func (r *Registry) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.stopCh)
	})

	select {
	case <-r.doneCh:
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.entries = make(map[Key]slot)
	r.mu.Unlock()
	r.queue.drain()
	return nil
}
