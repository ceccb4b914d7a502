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

package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvisedLimiterUnlimitedByDefault(t *testing.T) {
	l := NewAdvisedLimiter()

	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Allow())
	}
}

func TestAdvisedLimiterAppliesAdvice(t *testing.T) {
	l := NewAdvisedLimiter()
	l.Update(10)

	var denied bool
	for i := 0; i < 100 && !denied; i++ {
		denied = l.Allow() == ErrRateExceeded
	}
	assert.True(t, denied)
}

func TestAdvisedLimiterWait(t *testing.T) {
	l := NewAdvisedLimiter()
	l.Update(1000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx))
	}
}

func TestAdvisedLimiterWaitRejectsBeyondDeadline(t *testing.T) {
	l := NewAdvisedLimiter()
	l.Update(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// exhaust the burst, then the deadline is too close for another slot
	var denied bool
	for i := 0; i < 10 && !denied; i++ {
		denied = l.Wait(ctx) == ErrRateExceeded
	}
	assert.True(t, denied)
}
