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

package throttler

import (
	"math"
	"time"
)

type opType int

const (
	opRead opType = iota
	opWrite
)

type limitType int

const (
	limitReserved limitType = iota
	limitTotal
)

// throughputCounters tracks the smoothed read and write cost rates of
// one tag on one storage server. Updated only through absolute levels
// reported by telemetry.
type throughputCounters struct {
	readCost  *Smoother
	writeCost *Smoother
}

func newThroughputCounters(foldingTime time.Duration) *throughputCounters {
	return &throughputCounters{
		readCost:  NewSmoother(foldingTime),
		writeCost: NewSmoother(foldingTime),
	}
}

// updateCost returns the difference between the new and current rates
func (c *throughputCounters) updateCost(newCost float64, op opType) float64 {
	if op == opRead {
		current := c.readCost.GetTotal()
		c.readCost.SetTotal(newCost)
		return newCost - current
	}
	current := c.writeCost.GetTotal()
	c.writeCost.SetTotal(newCost)
	return newCost - current
}

func (c *throughputCounters) cost(op opType) float64 {
	if op == opRead {
		return c.readCost.SmoothTotal()
	}
	return c.writeCost.SmoothTotal()
}

// perTagStatistics tracks quota, transaction arrivals and the
// published per-client rate for one tag, aggregated across all
// storage servers.
type perTagStatistics struct {
	quota              *TagQuota
	transactionCounter *Smoother
	perClientRate      *Smoother
}

func newPerTagStatistics(foldingTime time.Duration) *perTagStatistics {
	return &perTagStatistics{
		transactionCounter: NewSmoother(foldingTime),
		perClientRate:      NewSmoother(foldingTime),
	}
}

func (s *perTagStatistics) getQuota() *TagQuota {
	return s.quota
}

func (s *perTagStatistics) setQuota(quota TagQuota) {
	s.quota = &quota
}

func (s *perTagStatistics) clearQuota() {
	s.quota = nil
}

func (s *perTagStatistics) addTransactions(count int) {
	s.transactionCounter.AddDelta(float64(count))
}

func (s *perTagStatistics) transactionRate() float64 {
	return s.transactionCounter.SmoothRate()
}

// updateAndGetPerClientLimit folds the target TPS into the per-client
// rate smoother and returns the advertised limit. No limit is
// published while the tag has no measurable transaction rate.
func (s *perTagStatistics) updateAndGetPerClientLimit(minRate float64, targetTps float64) (ClientTagThrottleLimits, bool) {
	txRate := s.transactionCounter.SmoothRate()
	if txRate <= 0 {
		return ClientTagThrottleLimits{}, false
	}

	newPerClientRate := math.Max(minRate, math.Min(targetTps, (targetTps/txRate)*s.perClientRate.SmoothTotal()))
	s.perClientRate.SetTotal(newPerClientRate)

	return ClientTagThrottleLimits{TpsRate: s.perClientRate.GetTotal(), Expiration: NoExpiration}, true
}
