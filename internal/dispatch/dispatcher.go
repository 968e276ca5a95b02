// Package dispatch issues chat calls to the backend with throttling,
// single-flight admission, circuit breaking and retry with backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/ashureev/shsh-assist/internal/agent"
	"github.com/ashureev/shsh-assist/internal/breaker"
	"github.com/ashureev/shsh-assist/internal/domain"
	"github.com/ashureev/shsh-assist/internal/metrics"
)

// SessionProvider is the view of the session manager the dispatcher needs.
type SessionProvider interface {
	EnsureSession(ctx context.Context) (string, error)
	Invalidate(sessionID, reason string)
	IsCurrent(sessionID string) bool
	// Done is closed once the session stops being current.
	Done(sessionID string) <-chan struct{}
}

// Config holds dispatcher settings.
type Config struct {
	Timeout            time.Duration
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	MinRequestInterval time.Duration
}

// DefaultConfig returns default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:            30 * time.Second,
		MaxRetries:         3,
		BackoffBase:        500 * time.Millisecond,
		BackoffCap:         8 * time.Second,
		MinRequestInterval: time.Second,
	}
}

// Dispatcher sends one logical call at a time to the backend.
type Dispatcher struct {
	backend  agent.Backend
	breaker  *breaker.Breaker
	metrics  *metrics.Recorder
	sessions SessionProvider

	cfg      Config
	limiter  *rate.Limiter
	inFlight atomic.Bool
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a dispatcher. A nil metrics recorder is allowed.
func New(backend agent.Backend, cb *breaker.Breaker, rec *metrics.Recorder, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}

	limit := rate.Inf
	if cfg.MinRequestInterval > 0 {
		limit = rate.Every(cfg.MinRequestInterval)
	}

	return &Dispatcher{
		backend: backend,
		breaker: cb,
		metrics: rec,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		logger:  logger,
	}
}

// UseSessions attaches the session manager. It must be called before the
// first Send that relies on session recovery.
func (d *Dispatcher) UseSessions(sp SessionProvider) {
	d.sessions = sp
}

// Send issues message within sessionID. An empty sessionID asks the
// SessionProvider for the current session once the call has been admitted.
//
// Throttled, Busy and CircuitOpen rejections happen before any side effect.
// A SessionInvalidError from the backend invalidates the session and triggers
// exactly one recreate-and-resend.
func (d *Dispatcher) Send(ctx context.Context, sessionID, message string) (*domain.RawReply, error) {
	// Rejections cancel at the reservation instant; a later time would
	// leave an immediately granted token spent.
	reservedAt := d.now()
	res := d.limiter.ReserveN(reservedAt, 1)
	if delay := res.DelayFrom(reservedAt); delay > 0 {
		res.CancelAt(reservedAt)
		return nil, &domain.ThrottledError{RetryAfter: delay}
	}
	if !d.inFlight.CompareAndSwap(false, true) {
		res.CancelAt(reservedAt)
		return nil, &domain.BusyError{}
	}
	defer d.inFlight.Store(false)

	if wait := d.breaker.RetryAfter(); wait > 0 {
		res.CancelAt(reservedAt)
		return nil, d.circuitOpen()
	}

	if sessionID == "" {
		if d.sessions == nil {
			res.CancelAt(reservedAt)
			return nil, errNoSession
		}
		id, err := d.sessions.EnsureSession(ctx)
		if err != nil {
			// No chat call was issued; the interval runs from the next one.
			res.CancelAt(reservedAt)
			return nil, err
		}
		sessionID = id
	}

	reply, err := d.sendWithRetry(ctx, sessionID, message)
	var invalid *domain.SessionInvalidError
	if err == nil || !errors.As(err, &invalid) || invalid.Superseded || d.sessions == nil {
		return reply, err
	}

	d.logger.Warn("backend rejected session, recreating",
		"session_id", sessionID,
		"error", err,
	)
	d.sessions.Invalidate(sessionID, "backend reported session invalid")
	newID, ensureErr := d.sessions.EnsureSession(ctx)
	if ensureErr != nil {
		return nil, fmt.Errorf("recreate session after %v: %w", err, ensureErr)
	}
	return d.sendWithRetry(ctx, newID, message)
}

// CreateSession performs one breaker-gated, timeout-bounded create call.
// It bypasses throttling and single-flight so Send can recover a session
// while it holds the in-flight slot.
func (d *Dispatcher) CreateSession(ctx context.Context, title string, sessionCtx map[string]any) (string, error) {
	if !d.breaker.Allow() {
		return "", d.circuitOpen()
	}

	actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := d.now()
	id, err := d.backend.CreateSession(actx, agent.CreateSessionRequest{Title: title, Context: sessionCtx})
	err = d.normalize(ctx, actx, "create_session", err)
	d.report(err, d.now().Sub(start))
	if err != nil {
		return "", err
	}
	return id, nil
}

// Busy reports whether a call is in flight.
func (d *Dispatcher) Busy() bool {
	return d.inFlight.Load()
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, sessionID, message string) (*domain.RawReply, error) {
	sctx, cancel := d.sessionContext(ctx, sessionID)
	defer cancel()

	var (
		reply    *domain.RawReply
		attempts int
	)
	op := func() error {
		if !d.isCurrent(sessionID) {
			return backoff.Permanent(&domain.SessionInvalidError{SessionID: sessionID, Superseded: true})
		}
		if !d.breaker.Allow() {
			return backoff.Permanent(d.circuitOpen())
		}
		attempts++
		r, err := d.attempt(sctx, sessionID, message)
		if err != nil {
			var invalid *domain.SessionInvalidError
			if errors.As(err, &invalid) || !domain.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		reply = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		if d.metrics != nil {
			d.metrics.RecordRetry()
		}
		d.logger.Info("retrying chat request",
			"session_id", sessionID,
			"attempt", attempts,
			"wait", wait,
			"error", err,
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(d.cfg.MaxRetries)), sctx)
	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return reply, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if sctx.Err() != nil && !d.isCurrent(sessionID) {
		return nil, &domain.SessionInvalidError{SessionID: sessionID, Superseded: true}
	}
	if attempts > 1 {
		d.logger.Warn("chat request failed after retries",
			"session_id", sessionID,
			"attempts", attempts,
			"error", err,
		)
		return nil, fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return nil, err
}

// attempt runs a single transport call and reports its outcome.
func (d *Dispatcher) attempt(ctx context.Context, sessionID, message string) (*domain.RawReply, error) {
	actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := d.now()
	reply, err := d.backend.Chat(actx, agent.ChatRequest{SessionID: sessionID, Message: message})
	err = d.normalize(ctx, actx, "chat", err)
	d.report(err, d.now().Sub(start))
	if err != nil {
		return nil, err
	}

	// The session may have been cleared while the call was in flight.
	if !d.isCurrent(sessionID) {
		d.logger.Info("discarding reply for superseded session", "session_id", sessionID)
		return nil, &domain.SessionInvalidError{SessionID: sessionID, Superseded: true}
	}
	return reply, nil
}

// normalize turns a deadline on the attempt context into a TimeoutError even
// when the transport did not classify it.
func (d *Dispatcher) normalize(parent, attemptCtx context.Context, op string, err error) error {
	if err == nil || parent.Err() != nil {
		return err
	}
	var timeout *domain.TimeoutError
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.As(err, &timeout) {
		return &domain.TimeoutError{Op: op, Err: err}
	}
	return err
}

// report feeds one attempt outcome to the breaker and the metrics recorder.
func (d *Dispatcher) report(err error, elapsed time.Duration) {
	switch {
	case err == nil:
		d.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled):
		// Cancelled by the caller: no verdict on backend health.
		d.breaker.Abandon()
		return
	case domain.IsBackendFault(err):
		d.breaker.RecordFailure()
	default:
		// The backend answered; the request itself was rejected.
		d.breaker.RecordSuccess()
	}
	if d.metrics != nil {
		d.metrics.Record(err == nil, elapsed, err)
	}
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffBase
	b.MaxInterval = d.cfg.BackoffCap
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (d *Dispatcher) circuitOpen() error {
	st := d.breaker.State()
	e := &domain.CircuitOpenError{RetryAfter: d.breaker.RetryAfter()}
	if st.OpenedAt != nil {
		e.OpenedAt = *st.OpenedAt
	}
	return e
}

func (d *Dispatcher) isCurrent(sessionID string) bool {
	if d.sessions == nil {
		return true
	}
	return d.sessions.IsCurrent(sessionID)
}

// sessionContext derives a context cancelled when sessionID is invalidated.
func (d *Dispatcher) sessionContext(ctx context.Context, sessionID string) (context.Context, context.CancelFunc) {
	sctx, cancel := context.WithCancel(ctx)
	if d.sessions == nil {
		return sctx, cancel
	}
	done := d.sessions.Done(sessionID)
	if done == nil {
		return sctx, cancel
	}
	go func() {
		select {
		case <-done:
			cancel()
		case <-sctx.Done():
		}
	}()
	return sctx, cancel
}
