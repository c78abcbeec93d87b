// Package ledger implements the anti-loop ledger (C2): it remembers every
// write the engine itself applied and answers should_skip? queries so the
// opposite direction recognizes and drops its own echo. Storage is two-tier:
// an in-process sharded map (L1) backed by a persistent sync_log table (L2)
// consulted only on an L1 miss.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/lory7c/db-fs/internal/model"
)

const (
	// DefaultShards is N shards for the L1 sharded map (§4.2).
	DefaultShards = 16
	// DefaultWindow is W, the default anti-loop window.
	DefaultWindow = 10 * time.Second
	// DefaultMaxEntries is the default per-ledger L1 entry cap (N_max). Over the
	// cap, the entry inserted first is evicted; lookups do not refresh an
	// entry's position.
	DefaultMaxEntries = 10_000
	// MinWindow and MaxWindow bound the valid configuration range for W (§4.2).
	MinWindow = 2 * time.Second
	MaxWindow = 120 * time.Second

	pruneTick = 1 * time.Second
)

// ErrWindowOutOfRange is returned by New when window falls outside [MinWindow, MaxWindow].
var ErrWindowOutOfRange = errors.New("ledger: window out of range [2s, 120s]")

// L2Store persists LedgerEntry records beyond the L1 cache's lifetime and
// answers should_skip queries the L1 cache cannot definitively exonerate
// (cache miss does not imply "no echo" — it may simply have been evicted or
// never observed by this process). Implemented by ledger.PostgresStore.
type L2Store interface {
	Remember(ctx context.Context, entry model.LedgerEntry) error
	ShouldSkip(ctx context.Context, fp model.Fingerprint, direction model.Direction, since time.Time) (bool, error)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]model.LedgerEntry
	order   []string // insertion order, for cap eviction
}

// Ledger is the anti-loop ledger: remember(fingerprint, direction) and
// should_skip(fingerprint, opposite_direction) as specified in §4.2.
type Ledger struct {
	shards     []*shard
	window     time.Duration
	maxEntries int
	l2         L2Store
	logger     *slog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Option configures a Ledger at construction time.
type Option func(*Ledger)

// WithL2Store attaches a persistent L2 store consulted on L1 miss.
func WithL2Store(store L2Store) Option {
	return func(l *Ledger) { l.l2 = store }
}

// WithMaxEntries overrides the default L1 entry cap.
func WithMaxEntries(n int) Option {
	return func(l *Ledger) { l.maxEntries = n }
}

// WithShards overrides the default shard count.
func WithShards(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.shards = make([]*shard, n)
			for i := range l.shards {
				l.shards[i] = &shard{entries: make(map[string]model.LedgerEntry)}
			}
		}
	}
}

// New creates a Ledger with the given window W and starts its background
// pruning tick. Call Close to stop it.
func New(window time.Duration, logger *slog.Logger, opts ...Option) (*Ledger, error) {
	if window < MinWindow || window > MaxWindow {
		return nil, ErrWindowOutOfRange
	}

	l := &Ledger{
		window:     window,
		maxEntries: DefaultMaxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	l.shards = make([]*shard, DefaultShards)
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]model.LedgerEntry)}
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.pruneLoop()

	return l, nil
}

// Remember records that the engine just applied a write with this fingerprint
// in this direction. Written to L1 immediately and, if configured, to L2.
func (l *Ledger) Remember(ctx context.Context, fp model.Fingerprint, direction model.Direction) {
	entry := model.LedgerEntry{Fingerprint: fp, Direction: direction, AppliedAt: time.Now()}

	s := l.shardFor(fp)

	s.mu.Lock()
	key := entryKey(fp, direction)
	if _, exists := s.entries[key]; !exists {
		s.order = append(s.order, key)
	}
	s.entries[key] = entry
	l.evictOverCapLocked(s)
	s.mu.Unlock()

	if l.l2 != nil {
		if err := l.l2.Remember(ctx, entry); err != nil && l.logger != nil {
			l.logger.Warn("ledger: failed to persist L2 entry",
				slog.String("fingerprint", string(fp)), slog.String("error", err.Error()))
		}
	}
}

// ShouldSkip reports whether an entry with (fingerprint, direction, t >= now-W)
// exists. direction is that of the remembered write, so a caller checking an
// incoming write for its own echo passes the opposite of the incoming write's
// direction. L1 is consulted first;
// L2 is consulted only when L1 cannot definitively answer.
func (l *Ledger) ShouldSkip(ctx context.Context, fp model.Fingerprint, direction model.Direction) bool {
	cutoff := time.Now().Add(-l.window)

	s := l.shardFor(fp)

	s.mu.RLock()
	entry, ok := s.entries[entryKey(fp, direction)]
	s.mu.RUnlock()

	if ok {
		return !entry.AppliedAt.Before(cutoff)
	}

	if l.l2 == nil {
		return false
	}

	skip, err := l.l2.ShouldSkip(ctx, fp, direction, cutoff)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("ledger: L2 should_skip query failed, treating as no echo",
				slog.String("fingerprint", string(fp)), slog.String("error", err.Error()))
		}

		return false
	}

	return skip
}

// Len returns the total number of live L1 entries, for metrics (ledger_entries).
func (l *Ledger) Len() int {
	total := 0
	for _, s := range l.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}

	return total
}

// Close stops the background pruning goroutine. Safe to call once.
func (l *Ledger) Close() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
	})
}

func (l *Ledger) pruneLoop() {
	defer close(l.done)

	ticker := time.NewTicker(pruneTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.pruneExpired()
		case <-l.stop:
			return
		}
	}
}

func (l *Ledger) pruneExpired() {
	cutoff := time.Now().Add(-l.window)

	for _, s := range l.shards {
		s.mu.Lock()

		for key, entry := range s.entries {
			if entry.AppliedAt.Before(cutoff) {
				delete(s.entries, key)
			}
		}

		kept := s.order[:0]
		for _, key := range s.order {
			if _, ok := s.entries[key]; ok {
				kept = append(kept, key)
			}
		}
		s.order = kept

		s.mu.Unlock()
	}
}

// evictOverCapLocked evicts oldest entries once a shard exceeds its share of
// maxEntries. Caller must hold s.mu for writing.
func (l *Ledger) evictOverCapLocked(s *shard) {
	capPerShard := l.maxEntries / len(l.shards)
	if capPerShard <= 0 {
		capPerShard = 1
	}

	for len(s.entries) > capPerShard && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
}

func (l *Ledger) shardFor(fp model.Fingerprint) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))

	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func entryKey(fp model.Fingerprint, direction model.Direction) string {
	return fmt.Sprintf("%s|%s", fp, direction)
}
