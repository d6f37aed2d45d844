package net

import (
	"context"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// DispatcherRecvLimiter is a token bucket in front of the dispatch handler.
// A non-positive limit lets everything through.
//
// The bucket is swapped whole on Reload, so a worker waiting on the old bucket
// finishes its wait there while later deliveries use the new limit.
type DispatcherRecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

func newRateLimiter(limit, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// NewTokenRecvLimiter allows limit deliveries per second with the given burst.
func NewTokenRecvLimiter(limit int, burst int) *DispatcherRecvLimiter {
	self := &DispatcherRecvLimiter{}
	self.limiter.Store(newRateLimiter(limit, burst))
	return self
}

// Take blocks until a token is available or ctx ends.
func (l *DispatcherRecvLimiter) Take(ctx context.Context) error {
	return l.limiter.Load().Wait(ctx)
}

// Reload replaces the bucket with one allowing limit per second and burst.
//
// Parameters:
//   - limit: deliveries per second, <= 0 for unlimited
//   - burst: bucket size
func (l *DispatcherRecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(newRateLimiter(limit, burst))
}

func (l *DispatcherRecvLimiter) recvLimiterFilter(d *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if err := l.Take(context.Background()); err != nil {
		return err
	}
	return f(d)
}

// FunnelRecvLimiter is a leaky bucket pacing work at a fixed rate. A
// non-positive rate disables it.
type FunnelRecvLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

func newFunnel(limit int) ratelimit.Limiter {
	if limit <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(limit)
}

// NewFunnelRecvLimiter paces work at limit units per second.
func NewFunnelRecvLimiter(limit int) *FunnelRecvLimiter {
	self := &FunnelRecvLimiter{}
	lim := newFunnel(limit)
	self.limiter.Store(&lim)
	return self
}

// Take blocks until the next unit of work may start.
func (l *FunnelRecvLimiter) Take() {
	_ = (*l.limiter.Load()).Take()
}

// Reload replaces the rate; <= 0 disables pacing.
func (l *FunnelRecvLimiter) Reload(limit int) {
	lim := newFunnel(limit)
	l.limiter.Store(&lim)
}
