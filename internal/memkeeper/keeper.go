package memkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/retention"
)

// DefaultPurgeInterval is the minimum time, in milliseconds, between two
// auto-purge passes triggered by Persist.
const DefaultPurgeInterval int64 = 30_000

// ErrClosed is returned by operations on a closed keeper.
var ErrClosed = errors.New("memkeeper: keeper is closed")

// Keeper is the in-memory RecordKeeper.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - state is touched only by the owner goroutine started in New
//   - an operation whose context ends while queued is skipped
type Keeper struct {
	reg       *record.Registry
	persister keeper.RecordPersister
	stamper   *keeper.Stamper
	logger    *slog.Logger
	maxTries  int
	interval  int64
	centerID  int

	queue     *opQueue
	st        *state
	done      chan struct{}
	closeOnce sync.Once

	prepMu   sync.Mutex
	prepared map[*preparedSearch]struct{}
}

var _ keeper.RecordKeeper = (*Keeper)(nil)

// Option configures a Keeper.
type Option func(*options)

type options struct {
	reg       *record.Registry
	persister keeper.RecordPersister
	now       func() int64
	logger    *slog.Logger
	maxTries  int
	interval  int64
}

// WithRegistry sets the subject types changes are decoded with.
func WithRegistry(r *record.Registry) Option {
	return func(o *options) { o.reg = r }
}

// WithPersister sets the application side of the keeper.
func WithPersister(p keeper.RecordPersister) Option {
	return func(o *options) { o.persister = p }
}

// WithClock replaces the wall clock, in Unix milliseconds.
func WithClock(now func() int64) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxSyncTries sets the export retry budget per (change, peer).
func WithMaxSyncTries(n int) Option {
	return func(o *options) { o.maxTries = n }
}

// WithPurgeInterval sets the minimum time between auto-purge passes run by
// Persist, in milliseconds. Zero purges on every change.
func WithPurgeInterval(ms int64) Option {
	return func(o *options) { o.interval = ms }
}

// New creates a keeper for the installation centerID, with its "Here"
// center in place, and starts the owner goroutine. Close stops it.
func New(centerID int, opts ...Option) (*Keeper, error) {
	if centerID < 0 || int64(centerID) >= (1<<63-1)/record.IDRange {
		return nil, fmt.Errorf("memkeeper: center ID %d out of range", centerID)
	}
	o := options{
		maxTries: retention.DefaultMaxSyncTries,
		interval: DefaultPurgeInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.reg == nil {
		o.reg = record.NewRegistry()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	k := &Keeper{
		reg:       o.reg,
		persister: o.persister,
		stamper:   keeper.NewStamper(o.now),
		logger:    o.logger.With("component", "memkeeper", "center_id", centerID),
		maxTries:  o.maxTries,
		interval:  o.interval,
		centerID:  centerID,
		queue:     newOpQueue(),
		done:      make(chan struct{}),
		prepared:  make(map[*preparedSearch]struct{}),
	}
	st, err := newState(o.reg, centerID)
	if err != nil {
		return nil, err
	}
	// Auto-purge is first due one interval after start.
	st.lastPurge = k.stamper.Now()
	k.st = st

	go k.run()
	return k, nil
}

// run is the owner goroutine. It drains the queue after Close before
// returning.
func (k *Keeper) run() {
	defer close(k.done)
	for {
		if o, ok := k.queue.TryDequeue(); ok {
			o(k.st)
			continue
		}
		if k.queue.Drained() {
			return
		}
		<-k.queue.Wait()
	}
}

// do runs fn on the owner goroutine and waits for its result.
func (k *Keeper) do(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// claim moves from opQueued to opRunning on the owner, or to
	// opAbandoned in the caller; whoever wins decides whether fn runs.
	var claim atomic.Int32
	reply := make(chan error, 1)
	queued := k.queue.Enqueue(func(st *state) {
		if err := ctx.Err(); err != nil {
			reply <- err
			return
		}
		if !claim.CompareAndSwap(opQueued, opRunning) {
			return
		}
		reply <- fn(st)
	})
	if !queued {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		if claim.CompareAndSwap(opQueued, opAbandoned) {
			return ctx.Err()
		}
		// fn already started; its effects are visible, so is its result.
		return <-reply
	}
}

const (
	opQueued int32 = iota
	opRunning
	opAbandoned
)

// Close stops the owner goroutine after the queued operations ran.
func (k *Keeper) Close() error {
	k.closeOnce.Do(func() {
		k.queue.Close()
		<-k.done
		k.prepMu.Lock()
		clear(k.prepared)
		k.prepMu.Unlock()
	})
	return nil
}

func (k *Keeper) Registry() *record.Registry { return k.reg }

func (k *Keeper) CenterID() int { return k.centerID }

// Stamper returns the change time source.
func (k *Keeper) Stamper() *keeper.Stamper { return k.stamper }

// release hands unreferenced entities to the persister.
func (k *Keeper) release(ctx context.Context, refs []keeper.ItemRef) {
	if k.persister == nil {
		return
	}
	for _, ref := range refs {
		if err := k.persister.CheckItemForDelete(ctx, ref); err != nil {
			k.logger.Warn("release unreferenced entity failed", "entity", ref.String(), "error", err)
		}
	}
}
