package market

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxConflictRetries bounds how often a transaction aborted by a
	// lock conflict is re-run before ConflictError is returned.
	DefaultMaxConflictRetries = 3
	DefaultRetryBackoff       = 10 * time.Millisecond

	tracerName = "github.com/warp/coin-market/market"
)

// Market is the entry point of the engine. It holds no mutable state of its
// own; the injected Store is the only source of truth.
type Market struct {
	store     Store
	validator *Validator
	authority *Authority

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string

	maxConflictRetries int
	retryBackoff       time.Duration
}

type Option func(*Market)

func WithLogger(l *slog.Logger) Option {
	return func(m *Market) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Market) { m.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Market) { m.newID = newID }
}

// WithMaxConflictRetries sets the retry bound. Negative values are ignored.
func WithMaxConflictRetries(n int) Option {
	return func(m *Market) {
		if n >= 0 {
			m.maxConflictRetries = n
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(m *Market) { m.retryBackoff = d }
}

func New(store Store, opts ...Option) *Market {
	m := &Market{
		store:              store,
		validator:          NewValidator(),
		authority:          NewAuthority(store),
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:             otel.Tracer(tracerName),
		now:                func() time.Time { return time.Now().UTC() },
		newID:              uuid.NewString,
		maxConflictRetries: DefaultMaxConflictRetries,
		retryBackoff:       DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// retryOnConflict re-runs fn while it fails with a retryable conflict, at most
// maxConflictRetries extra times. Business failures are returned immediately.
func (m *Market) retryOnConflict(ctx context.Context, op string, fn func() error) error {
	attempts := m.maxConflictRetries + 1

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}

		m.logger.WarnContext(ctx, "transaction conflict",
			"op", op, "attempt", attempt, "max_attempts", attempts, "error", err)

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * m.retryBackoff):
		}
	}

	return &ConflictError{Attempts: attempts, Err: err}
}
