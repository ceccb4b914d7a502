// Copyright 2022-2023 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client carries the enforcement side of the tag throttling
// protocol. The controller only publishes advice; a transaction
// frontend applies it with an AdvisedLimiter per tag.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Do not attempt to wait for a slot when the context expires in less
// than waitDelta.
var waitDelta = 1 * time.Millisecond

// Used if no timeout set in the context.
var maxWait = 5 * time.Second

var ErrRateExceeded = errors.New("tag transaction rate limit exceeded")

// AdvisedLimiter enforces the per-client TPS advice published by the
// throttler for one tag. Until the first advice arrives, everything is
// allowed.
type AdvisedLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

func NewAdvisedLimiter() *AdvisedLimiter {
	return &AdvisedLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
}

// Update replaces the enforced TPS with freshly published advice.
func (l *AdvisedLimiter) Update(tps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	burst := int(tps)
	if burst < 1 {
		burst = 1
	}
	l.limiter.SetLimit(rate.Limit(tps))
	l.limiter.SetBurst(burst)
}

// Allow checks whether one transaction may start now.
func (l *AdvisedLimiter) Allow() (err error) {
	now := time.Now()

	rt := l.limiter.ReserveN(now, 1)

	defer func() {
		if err != nil {
			rt.CancelAt(now)
		}
	}()

	if !rt.OK() || rt.Delay() > 0 {
		return ErrRateExceeded
	}

	return nil
}

// Wait reserves a slot for one transaction and delays the caller until
// it can proceed without violating the advised rate, up to the
// context deadline.
func (l *AdvisedLimiter) Wait(ctx context.Context) (err error) {
	now := time.Now()

	rt := l.limiter.ReserveN(now, 1)

	defer func() {
		if err != nil {
			rt.CancelAt(now)
		}
	}()

	d, ok := ctx.Deadline()
	dur := d.Sub(now) - waitDelta
	if !ok {
		dur = maxWait
	}

	if !rt.OK() || dur < rt.DelayFrom(now) {
		return ErrRateExceeded
	}

	delay := rt.DelayFrom(now)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}
