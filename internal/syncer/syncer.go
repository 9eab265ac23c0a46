package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
)

const tracerName = "github.com/roach88/meshlog/internal/syncer"

// DefaultReceiptTimeout bounds the delivery of a receipt once the session
// context is done.
const DefaultReceiptTimeout = 10 * time.Second

// Transport carries one session to the exporting center.
type Transport interface {
	Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error)
	SendReceipt(ctx context.Context, receipt []byte) error
}

// Dialer opens a transport to a center.
type Dialer interface {
	Dial(ctx context.Context, center *record.Center) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, center *record.Center) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, center *record.Center) (Transport, error) {
	return f(ctx, center)
}

// SynchronizeImpl is the application side of a sync: it owns the objects
// changes describe.
type SynchronizeImpl interface {
	// Exists reports whether a fact currently exists locally.
	Exists(ctx context.Context, f Fact) (bool, error)
	// Apply performs a resolved action on the local data set.
	Apply(ctx context.Context, a Action) error
	// EncodeValue returns the current value of the fact a change touches,
	// sent along with the change. Nil means no value.
	EncodeValue(ctx context.Context, raw record.Raw) (json.RawMessage, error)
	// Snapshot returns the full data set for a peer that fell behind.
	Snapshot(ctx context.Context) (json.RawMessage, error)
	ApplySnapshot(ctx context.Context, data json.RawMessage) error
}

// Observer is told about sync attempts. Calls are made from the session's
// goroutine and must not block.
type Observer interface {
	SyncStarted(center *record.Center, rec *record.SyncRecord)
	SyncFinished(center *record.Center, rec *record.SyncRecord, err error)
}

// Result summarizes one session.
type Result struct {
	Center *record.Center
	Record *record.SyncRecord
	// Received counts the changes in the response, Imported the ones that
	// were new and Applied the actions performed.
	Received int
	Imported int
	Applied  int
	// Degraded counts changes whose types do not resolve locally.
	Degraded int
	Snapshot bool
	Err      error
}

// Synchronizer runs sync sessions for one installation.
//
// Thread-safety: all methods are safe for concurrent use. Change
// application is serialized by the merge lock.
type Synchronizer struct {
	keeper         keeper.RecordKeeper
	impl           SynchronizeImpl
	dialer         Dialer
	now            func() int64
	logger         *slog.Logger
	tracer         trace.Tracer
	tokens         TokenGenerator
	observers      []Observer
	receiptTimeout time.Duration
	parallel       int

	mergeMu sync.Mutex
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

func WithImpl(impl SynchronizeImpl) Option {
	return func(s *Synchronizer) { s.impl = impl }
}

func WithDialer(d Dialer) Option {
	return func(s *Synchronizer) { s.dialer = d }
}

// WithClock replaces the wall clock, in Unix milliseconds.
func WithClock(now func() int64) Option {
	return func(s *Synchronizer) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithTracerProvider sets where session spans go. Defaults to the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Synchronizer) { s.tracer = tp.Tracer(tracerName) }
}

// WithTokenGenerator replaces the UUIDv7 session tokens.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(s *Synchronizer) { s.tokens = g }
}

func WithObserver(o Observer) Option {
	return func(s *Synchronizer) { s.observers = append(s.observers, o) }
}

func WithReceiptTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.receiptTimeout = d }
}

// WithParallelism bounds the concurrent sessions of SyncAll. Zero or less
// means unbounded.
func WithParallelism(n int) Option {
	return func(s *Synchronizer) { s.parallel = n }
}

// New creates a synchronizer over k.
func New(k keeper.RecordKeeper, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		keeper:         k,
		now:            keeper.WallClock,
		logger:         slog.Default(),
		tracer:         otel.Tracer(tracerName),
		tokens:         UUIDv7Generator{},
		receiptTimeout: DefaultReceiptTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "syncer")
	return s
}

// Keeper returns the record keeper sessions are recorded in.
func (s *Synchronizer) Keeper() keeper.RecordKeeper { return s.keeper }

func (s *Synchronizer) dial(ctx context.Context, center *record.Center) (Transport, error) {
	if s.dialer == nil {
		return nil, record.NewError(record.ErrCodeTransport, "no dialer configured")
	}
	t, err := s.dialer.Dial(ctx, center)
	if err != nil {
		return nil, transportError(fmt.Sprintf("dial %q", center.Name), err)
	}
	return t, nil
}

func (s *Synchronizer) notifyStarted(center *record.Center, rec *record.SyncRecord) {
	for _, o := range s.observers {
		o.SyncStarted(center, rec)
	}
}

func (s *Synchronizer) notifyFinished(center *record.Center, rec *record.SyncRecord, err error) {
	for _, o := range s.observers {
		o.SyncFinished(center, rec, err)
	}
}

// transportError classifies a failure to reach the peer. Errors that
// already carry a code, such as protocol errors reported by the peer, keep
// it.
func transportError(msg string, err error) error {
	if record.CodeOf(err) != "" {
		return err
	}
	if isCancellation(err) {
		return record.WrapError(record.ErrCodeCancelled, msg, err)
	}
	return record.WrapError(record.ErrCodeTransport, msg, err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func selfSyncError(center string) error {
	return record.NewError(record.ErrCodeSelfSync, fmt.Sprintf("center %q is this installation", center))
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
