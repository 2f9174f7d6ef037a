package risk

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aelhadee/247trader/internal/config"
)

// Default exchange breaker thresholds, used when config omits them.
const (
	defaultMinRequests     = 5
	defaultFailureRatio    = 0.6
	defaultOpenTimeout     = 30 * time.Second
	defaultHalfOpenMaxReqs = 3
	defaultCountInterval   = 10 * time.Second
)

// Breaker wraps exchange calls in a circuit breaker. When the breaker is
// open, the connectivity risk check fails and the cycle places no
// orders.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log zerolog.Logger
}

// NewBreaker builds the exchange breaker. onStateChange (optional) is
// invoked for metrics on every transition.
func NewBreaker(cfg config.CircuitBreakerConfig, logger zerolog.Logger, onStateChange func(state gobreaker.State)) *Breaker {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = defaultMinRequests
	}
	failureRatio := cfg.FailureRatio
	if failureRatio <= 0 {
		failureRatio = defaultFailureRatio
	}
	openTimeout := time.Duration(cfg.OpenTimeoutSecs) * time.Second
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	halfOpenMax := cfg.HalfOpenMaxReqs
	if halfOpenMax == 0 {
		halfOpenMax = defaultHalfOpenMaxReqs
	}
	countInterval := time.Duration(cfg.CountIntervalS) * time.Second
	if countInterval <= 0 {
		countInterval = defaultCountInterval
	}

	b := &Breaker{log: logger.With().Str("component", "circuit_breaker").Logger()}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: halfOpenMax,
		Interval:    countInterval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && ratio >= failureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			if onStateChange != nil {
				onStateChange(to)
			}
		},
	})
	return b
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// Do runs an error-only fn through the breaker.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, fn() })
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Open reports whether calls are currently being rejected.
func (b *Breaker) Open() bool { return b.cb.State() == gobreaker.StateOpen }
