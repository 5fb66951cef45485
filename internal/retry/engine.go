package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/storage"
)

// Channel labels a delivery transport for diagnostics and error typing.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelGeneric Channel = "generic"
)

// Sentinel targets for errors.Is; an ExhaustedError matches the sentinel of
// its channel and the generic one.
var (
	ErrDeliveryExhausted      = errors.New("delivery attempts exhausted")
	ErrEmailDeliveryExhausted = errors.New("email delivery attempts exhausted")
	ErrSMSDeliveryExhausted   = errors.New("sms delivery attempts exhausted")
)

// ExhaustedError is the terminal failure of one delivery unit after every
// configured attempt failed.
type ExhaustedError struct {
	Channel  Channel
	Key      string
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s delivery for %q exhausted after %d attempts: %v", e.Channel, e.Key, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

func (e *ExhaustedError) Is(target error) bool {
	switch target {
	case ErrDeliveryExhausted:
		return true
	case ErrEmailDeliveryExhausted:
		return e.Channel == ChannelEmail
	case ErrSMSDeliveryExhausted:
		return e.Channel == ChannelSMS
	}
	return false
}

// Config bounds one retry cycle.
type Config struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

var DefaultConfig = Config{
	MaxRetries:        3,
	BaseDelay:         time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2,
}

func (c Config) norm() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultConfig.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = DefaultConfig.BackoffMultiplier
	}
	return c
}

// jitterCeiling bounds the random additive jitter fraction.
const jitterCeiling = 0.1

// CalculateDelay computes the pre-attempt pause: exponential growth capped at
// MaxDelay, with additive jitter in [0, 10%) so realized delay is never below
// the unjittered value.
func CalculateDelay(attempt int, cfg Config) time.Duration {
	return calculateDelay(attempt, cfg.norm(), rand.Float64)
}

func calculateDelay(attempt int, cfg Config, randFloat func() float64) time.Duration {
	exp := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	capped := math.Min(exp, float64(cfg.MaxDelay))
	jittered := capped * (1 + randFloat()*jitterCeiling)
	return time.Duration(jittered)
}

// Operation is one idempotent-assumed asynchronous unit of work, e.g. "send
// one email".
type Operation[T any] func(ctx context.Context) (T, error)

// Engine executes operations under bounded retry with exponential backoff,
// persisting attempt bookkeeping through the delivery state store.
type Engine struct {
	store  storage.DeliveryStateStore
	cfg    Config
	logger *slog.Logger

	// injected for tests
	sleep     func(time.Duration)
	clock     func() time.Time
	randFloat func() float64
}

type Option func(*Engine)

// WithSleep injects the inter-attempt pause primitive.
func WithSleep(sleep func(time.Duration)) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithRand injects the jitter source; values must be in [0, 1).
func WithRand(randFloat func() float64) Option {
	return func(e *Engine) { e.randFloat = randFloat }
}

func NewEngine(logger *slog.Logger, store storage.DeliveryStateStore, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		cfg:       cfg.norm(),
		logger:    logger.With(slog.String("component", "retry_engine")),
		sleep:     time.Sleep,
		clock:     time.Now,
		randFloat: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteWithRetry runs op until it succeeds or cfg.MaxRetries attempts have
// failed. Every attempt outcome is persisted before the loop moves on; a
// persistence failure aborts the cycle since bookkeeping is load-bearing.
// A nil cfg uses the engine's configured defaults. Retry cycles run to
// success or exhaustion; the inter-attempt sleep is not cancellable.
func ExecuteWithRetry[T any](ctx context.Context, e *Engine, key string, channel Channel, op Operation[T], cfg *Config) (T, error) {
	var zero T

	conf := e.cfg
	if cfg != nil {
		conf = cfg.norm()
	}

	var lastErr error
	for attempt := 1; attempt <= conf.MaxRetries; attempt++ {
		result, err := op(ctx)
		now := e.clock()

		if err == nil {
			sentAt := now
			record := storage.DeliveryState{
				Key:           key,
				AttemptCount:  attempt,
				LastAttemptAt: now,
				Sent:          true,
				SentAt:        &sentAt,
			}
			if perr := e.store.UpsertDeliveryState(ctx, record); perr != nil {
				return zero, fmt.Errorf("persist delivery success for %q: %w", key, perr)
			}
			e.logger.Debug("Delivery succeeded",
				slog.String("key", key), slog.String("channel", string(channel)), slog.Int("attempt", attempt))
			return result, nil
		}

		lastErr = err
		record := storage.DeliveryState{
			Key:           key,
			AttemptCount:  attempt,
			LastAttemptAt: now,
			LastError:     err.Error(),
		}
		if perr := e.store.UpsertDeliveryState(ctx, record); perr != nil {
			return zero, fmt.Errorf("persist delivery failure for %q: %w", key, perr)
		}

		e.logger.Warn("Delivery attempt failed",
			slog.String("key", key),
			slog.String("channel", string(channel)),
			slog.Int("attempt", attempt),
			slog.Int("maxRetries", conf.MaxRetries),
			slog.Any("error", err),
		)

		if attempt < conf.MaxRetries {
			e.sleep(calculateDelay(attempt, conf, e.randFloat))
		}
	}

	return zero, &ExhaustedError{Channel: channel, Key: key, Attempts: conf.MaxRetries, LastErr: lastErr}
}

// RetryEmailDelivery runs one email send under the engine's retry policy.
// The recipient address is diagnostic identity only.
func (e *Engine) RetryEmailDelivery(ctx context.Context, key, recipient string, send func(ctx context.Context) error) error {
	op := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, send(ctx)
	}
	_, err := ExecuteWithRetry(ctx, e, key, ChannelEmail, op, nil)
	if err != nil {
		return fmt.Errorf("email to %s: %w", recipient, err)
	}
	return nil
}

// RetrySMSDelivery runs one SMS send under the engine's retry policy.
func (e *Engine) RetrySMSDelivery(ctx context.Context, key, number string, send func(ctx context.Context) error) error {
	op := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, send(ctx)
	}
	_, err := ExecuteWithRetry(ctx, e, key, ChannelSMS, op, nil)
	if err != nil {
		return fmt.Errorf("sms to %s: %w", number, err)
	}
	return nil
}

// RetryStats is a read-only view of one delivery unit's attempt history.
type RetryStats struct {
	TotalAttempts int
	LastAttemptAt time.Time
	LastError     string
	IsDelivered   bool
}

// GetRetryStats reads the persisted attempt state, defaulting to zero values
// when the unit has no record yet.
func (e *Engine) GetRetryStats(ctx context.Context, key string) (RetryStats, error) {
	record, err := e.store.GetDeliveryState(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return RetryStats{}, nil
	}
	if err != nil {
		return RetryStats{}, err
	}
	return RetryStats{
		TotalAttempts: record.AttemptCount,
		LastAttemptAt: record.LastAttemptAt,
		LastError:     record.LastError,
		IsDelivered:   record.Sent,
	}, nil
}

// ResetForRetry clears the unit's attempt bookkeeping so a fresh cycle can
// run. Scheduling that cycle is the caller's job.
func (e *Engine) ResetForRetry(ctx context.Context, key string) error {
	return e.store.ResetDeliveryState(ctx, key)
}
