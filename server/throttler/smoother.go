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

// nowFunc is the time source for every smoother. Tests replace it with
// a simulated clock.
var nowFunc = time.Now

// Smoother tracks a scalar subject to exponential decay with a fixed
// folding time. It exposes two projections: a smoothed total and a
// smoothed rate (the derivative of the total). Feed it with SetTotal
// to track an absolute level, or with AddDelta to accumulate
// increments and read the arrival rate back via SmoothRate.
type Smoother struct {
	foldingTime float64

	total    float64
	time     float64
	estimate float64
}

func NewSmoother(foldingTime time.Duration) *Smoother {
	s := &Smoother{foldingTime: foldingTime.Seconds()}
	s.Reset(0)
	return s
}

func (s *Smoother) Reset(value float64) {
	s.time = seconds(nowFunc())
	s.total = value
	s.estimate = value
}

// SetTotal overwrites the tracked level. The smoothed projections
// relax toward the new level with the folding time constant.
func (s *Smoother) SetTotal(total float64) {
	s.AddDelta(total - s.total)
}

func (s *Smoother) AddDelta(delta float64) {
	s.update(seconds(nowFunc()))
	s.total += delta
}

func (s *Smoother) SmoothTotal() float64 {
	s.update(seconds(nowFunc()))
	return s.estimate
}

func (s *Smoother) SmoothRate() float64 {
	s.update(seconds(nowFunc()))
	return (s.total - s.estimate) / s.foldingTime
}

func (s *Smoother) GetTotal() float64 {
	return s.total
}

func (s *Smoother) update(t float64) {
	elapsed := t - s.time
	if elapsed > 0 {
		s.time = t
		s.estimate += (s.total - s.estimate) * (1 - math.Exp(-elapsed/s.foldingTime))
	}
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
