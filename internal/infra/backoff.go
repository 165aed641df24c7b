package infra

import (
	"time"
)

// Backoff is an exponential delay policy: Base * 2^retry, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used for feed reconnects.
func DefaultBackoff() Backoff {
	return Backoff{Base: 1 * time.Second, Max: 60 * time.Second}
}

// Delay returns the backoff duration for a given retry count.
// A negative retry count returns Base.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		return b.Base
	}
	// 2^30 * 1ns is already past any sane cap; avoid shifting into overflow.
	if retryCount > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<retryCount)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// CalculateBackoff returns the default exponential backoff for a retry count.
func CalculateBackoff(retryCount int) time.Duration {
	return DefaultBackoff().Delay(retryCount)
}
