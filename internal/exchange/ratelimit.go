package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// Coinbase Advanced Trade rate budgets differ for public market-data
// endpoints and private account/order endpoints; each gets its own token
// bucket and callers block until a token is available.
const (
	publicRequestsPerSecond  = 10
	publicBurst              = 15
	privateRequestsPerSecond = 15
	privateBurst             = 20
)

// endpointLimiters holds the per-class token buckets.
type endpointLimiters struct {
	public  *rate.Limiter
	private *rate.Limiter
}

func newEndpointLimiters() *endpointLimiters {
	return &endpointLimiters{
		public:  rate.NewLimiter(rate.Limit(publicRequestsPerSecond), publicBurst),
		private: rate.NewLimiter(rate.Limit(privateRequestsPerSecond), privateBurst),
	}
}

// waitPublic blocks until a public-endpoint token is available.
func (l *endpointLimiters) waitPublic(ctx context.Context) error {
	return l.public.Wait(ctx)
}

// waitPrivate blocks until a private-endpoint token is available.
func (l *endpointLimiters) waitPrivate(ctx context.Context) error {
	return l.private.Wait(ctx)
}
