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

// Package throttler implements the global tag throttler: a cluster
// wide controller that turns per-tag cost quotas, per storage server
// cost telemetry and storage server health into an advisory per-client
// transactions-per-second limit for every tag.
//
// A few terms recur throughout:
//
// Cost: every read or write carries a cost proportional to the bytes
// it touches. Quotas are expressed in cost-units consumed per second.
//
// TPS: transactions per second. Limits handed to clients are in TPS
// because throttling happens at the front of a transaction, before its
// cost is known.
//
// Desired TPS: the TPS a tag would reach if it consumed its full total
// quota at its current average per-transaction cost.
//
// Reserved TPS: the TPS floor implied by the tag's reserved quota; the
// tag is never throttled below it.
//
// Limiting TPS: the TPS ceiling implied by storage server health. Each
// unhealthy server publishes a throttling ratio, the fraction of its
// current cost rate it can sustain; the tag's share of that sustainable
// cost is proportional to its share of the total quota on that server.
//
// Target TPS: max(reserved, min(limiting, desired)), the rate the
// controller steers the whole cluster toward.
//
// PerClient TPS: the target is shared by an unknown number of clients,
// all of which must receive the same limit, so the published value is
// iterated from the current transaction rate and the previous
// per-client rate until it converges on an equal share.
package throttler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tigrisdata/tagthrottler/server/config"
	"go.uber.org/atomic"
)

// ServerID identifies a storage server reporting telemetry.
type ServerID = uuid.UUID

type TransactionPriority int

const (
	PriorityBatch TransactionPriority = iota
	PriorityDefault
)

func (p TransactionPriority) String() string {
	if p == PriorityBatch {
		return "batch"
	}
	return "default"
}

func (p TransactionPriority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// NoExpiration marks an advertised limit that stays valid until
// replaced by a newer one.
var NoExpiration = time.Time{}

// ClientTagThrottleLimits is the advice published to clients for one
// tag: the per-client TPS and its expiration.
type ClientTagThrottleLimits struct {
	TpsRate    float64   `json:"tps"`
	Expiration time.Time `json:"expiration,omitempty"`
}

// TagBusyness is one entry of a storage server's busiest-tags report.
// FractionalBusyness is carried by the wire format but not consumed
// here.
type TagBusyness struct {
	Tag                Tag     `json:"tag"`
	Rate               float64 `json:"rate"`
	FractionalBusyness float64 `json:"fractional_busyness"`
}

// StorageQueueInfo is the periodic telemetry report of one storage
// server.
type StorageQueueInfo struct {
	ID               ServerID      `json:"id"`
	BusiestReadTags  []TagBusyness `json:"busiest_read_tags"`
	BusiestWriteTags []TagBusyness `json:"busiest_write_tags"`
}

// GlobalTagThrottler owns all throttling state. Every public operation
// takes the controller lock and runs to completion, so callers from
// the telemetry pipeline, the quota watcher and rate consumers may
// invoke it concurrently.
type GlobalTagThrottler struct {
	cfg config.ThrottlerConfig

	throttledTagChangeID atomic.Uint64

	mu               sync.Mutex
	throttlingRatios map[ServerID]*float64
	tagStatistics    map[Tag]*perTagStatistics
	throughput       map[ServerID]map[Tag]*throughputCounters
}

func NewGlobalTagThrottler(cfg config.ThrottlerConfig) *GlobalTagThrottler {
	return &GlobalTagThrottler{
		cfg:              cfg,
		throttlingRatios: make(map[ServerID]*float64),
		tagStatistics:    make(map[Tag]*perTagStatistics),
		throughput:       make(map[ServerID]map[Tag]*throughputCounters),
	}
}

func (t *GlobalTagThrottler) tagStats(tag Tag) *perTagStatistics {
	stats, ok := t.tagStatistics[tag]
	if !ok {
		stats = newPerTagStatistics(t.cfg.FoldingTime)
		t.tagStatistics[tag] = stats
	}
	return stats
}

// SetQuota upserts the tag's quota, creating the per-tag record if
// absent.
func (t *GlobalTagThrottler) SetQuota(tag Tag, quota TagQuota) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tagStats(tag).setQuota(quota)
}

// RemoveQuota clears the quota on the tag. Statistics are retained
// until the next watcher reconciliation.
func (t *GlobalTagThrottler) RemoveQuota(tag Tag) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if stats, ok := t.tagStatistics[tag]; ok {
		stats.clearQuota()
	}
}

// AddRequests records count transaction arrivals for the tag.
func (t *GlobalTagThrottler) AddRequests(tag Tag, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tagStats(tag).addTransactions(count)
}

// SetThrottlingRatio publishes the latest health signal for one
// storage server. A nil ratio means the server applies no
// back-pressure.
func (t *GlobalTagThrottler) SetThrottlingRatio(id ServerID, ratio *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.throttlingRatios[id] = ratio
}

// TryUpdateAutoThrottling folds one storage server's busiest-tags
// report into the throughput tables. Tags missing from the report keep
// their last reported level.
func (t *GlobalTagThrottler) TryUpdateAutoThrottling(ss StorageQueueInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	perTag, ok := t.throughput[ss.ID]
	if !ok {
		perTag = make(map[Tag]*throughputCounters)
		t.throughput[ss.ID] = perTag
	}

	counters := func(tag Tag) *throughputCounters {
		c, ok := perTag[tag]
		if !ok {
			c = newThroughputCounters(t.cfg.FoldingTime)
			perTag[tag] = c
		}
		return c
	}

	for _, busyReadTag := range ss.BusiestReadTags {
		counters(busyReadTag.Tag).updateCost(busyReadTag.Rate, opRead)
	}
	for _, busyWriteTag := range ss.BusiestWriteTags {
		counters(busyWriteTag.Tag).updateCost(busyWriteTag.Rate, opWrite)
	}
}

// GetThrottledTagChangeID returns the quota change epoch.
func (t *GlobalTagThrottler) GetThrottledTagChangeID() uint64 {
	return t.throttledTagChangeID.Load()
}

// GetClientRates computes the current per-client limits for every
// tracked tag. Both priorities receive identical values. If any tag is
// missing a component, the whole result is empty and clients fall back
// to their previous advice.
func (t *GlobalTagThrottler) GetClientRates() map[TransactionPriority]map[Tag]ClientTagThrottleLimits {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch := make(map[Tag]ClientTagThrottleLimits, len(t.tagStatistics))

	for tag, stats := range t.tagStatistics {
		// There is no differentiation between batch priority and
		// default priority transactions yet.
		desiredTps, hasDesired := t.desiredTps(tag)
		if !hasDesired {
			return map[TransactionPriority]map[Tag]ClientTagThrottleLimits{}
		}

		// Limiting and reserved throughputs only constrain when they
		// are measurable: a cluster without back-pressure publishes
		// the desired rate.
		targetTps := desiredTps
		if limitingTps, ok := t.limitingTps(tag); ok {
			targetTps = minf(targetTps, limitingTps)
		}
		if reservedTps, ok := t.reservedTps(tag); ok {
			targetTps = maxf(targetTps, reservedTps)
		}

		limit, ok := stats.updateAndGetPerClientLimit(t.cfg.MinRate, targetTps)
		if !ok {
			return map[TransactionPriority]map[Tag]ClientTagThrottleLimits{}
		}
		batch[tag] = limit
	}

	if len(batch) == 0 {
		return map[TransactionPriority]map[Tag]ClientTagThrottleLimits{}
	}

	dflt := make(map[Tag]ClientTagThrottleLimits, len(batch))
	for tag, limit := range batch {
		dflt[tag] = limit
	}

	return map[TransactionPriority]map[Tag]ClientTagThrottleLimits{
		PriorityBatch:   batch,
		PriorityDefault: dflt,
	}
}

// AutoThrottleCount returns the number of tracked tags.
func (t *GlobalTagThrottler) AutoThrottleCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	// FIXME: Only count tags that have quota set
	return int64(len(t.tagStatistics))
}

func (t *GlobalTagThrottler) BusyReadTagCount() uint32 {
	// TODO: Implement
	return 0
}

func (t *GlobalTagThrottler) BusyWriteTagCount() uint32 {
	// TODO: Implement
	return 0
}

// ManualThrottleCount returns 0; manual throttles are handled outside
// this controller.
func (t *GlobalTagThrottler) ManualThrottleCount() int64 {
	return 0
}

func (t *GlobalTagThrottler) IsAutoThrottlingEnabled() bool {
	return true
}

// currentServerTagCost returns the smoothed cost rate for the given
// tag on the given storage server.
func (t *GlobalTagThrottler) currentServerTagCost(id ServerID, tag Tag, op opType) (float64, bool) {
	perTag, ok := t.throughput[id]
	if !ok {
		return 0, false
	}
	counters, ok := perTag[tag]
	if !ok {
		return 0, false
	}
	return counters.cost(op), true
}

// currentServerCost returns the cost rate on the given storage server,
// summed across all tags.
func (t *GlobalTagThrottler) currentServerCost(id ServerID, op opType) (float64, bool) {
	perTag, ok := t.throughput[id]
	if !ok {
		return 0, false
	}
	result := 0.0
	for _, counters := range perTag {
		result += counters.cost(op)
	}
	return result, true
}

// currentTagCost returns the cost rate for the given tag, summed
// across all storage servers.
func (t *GlobalTagThrottler) currentTagCost(tag Tag, op opType) float64 {
	result := 0.0
	for id := range t.throughput {
		if cost, ok := t.currentServerTagCost(id, tag, op); ok {
			result += cost
		}
	}
	return result
}

// averageServerTransactionCost returns the average cost of the tag's
// transactions attributed to the given storage server.
func (t *GlobalTagThrottler) averageServerTransactionCost(tag Tag, id ServerID, op opType) (float64, bool) {
	cost, ok := t.currentServerTagCost(id, tag, op)
	if !ok {
		return 0, false
	}
	stats, ok := t.tagStatistics[tag]
	if !ok {
		return 0, false
	}
	txRate := stats.transactionRate()
	if txRate == 0 {
		return 0, false
	}
	return cost / txRate, true
}

// averageTransactionCost returns the cluster-wide average cost of the
// tag's transactions.
func (t *GlobalTagThrottler) averageTransactionCost(tag Tag, op opType) (float64, bool) {
	cost := t.currentTagCost(tag, op)
	stats, ok := t.tagStatistics[tag]
	if !ok {
		return 0, false
	}
	txRate := stats.transactionRate()
	if txRate == 0 {
		return 0, false
	}
	return cost / txRate, true
}

// tagsAffectingStorageServer lists the tags performing meaningful work
// on the given storage server.
func (t *GlobalTagThrottler) tagsAffectingStorageServer(id ServerID) []Tag {
	perTag, ok := t.throughput[id]
	if !ok {
		return nil
	}
	result := make([]Tag, 0, len(perTag))
	for tag := range perTag {
		result = append(result, tag)
	}
	return result
}

func (t *GlobalTagThrottler) quota(tag Tag, op opType, limit limitType) (float64, bool) {
	stats, ok := t.tagStatistics[tag]
	if !ok {
		return 0, false
	}
	quota := stats.getQuota()
	if quota == nil {
		return 0, false
	}
	if limit == limitTotal {
		if op == opRead {
			return quota.TotalReadQuota, true
		}
		return quota.TotalWriteQuota, true
	}
	if op == opRead {
		return quota.ReservedReadQuota, true
	}
	return quota.ReservedWriteQuota, true
}

// quotaRatio returns, of all tags meaningfully performing workload on
// the given storage server, the ratio of total quota allocated to the
// specified tag.
func (t *GlobalTagThrottler) quotaRatio(tag Tag, id ServerID, op opType) float64 {
	sumQuota := 0.0
	tagQuota := 0.0
	for _, affecting := range t.tagsAffectingStorageServer(id) {
		q, ok := t.quota(affecting, op, limitTotal)
		if !ok {
			continue
		}
		sumQuota += q
		if affecting == tag {
			tagQuota = q
		}
	}
	if tagQuota == 0 {
		return 0
	}
	if sumQuota <= 0 {
		panic("quota sum must be positive when the tag's own quota is")
	}
	return tagQuota / sumQuota
}

// limitingCost returns the sustainable cost rate for a storage server,
// based on its current cost and throttling ratio. Servers without a
// published ratio do not constrain.
func (t *GlobalTagThrottler) limitingCost(id ServerID, op opType) (float64, bool) {
	ratio, ok := t.throttlingRatios[id]
	if !ok || ratio == nil {
		return 0, false
	}
	currentCost, ok := t.currentServerCost(id, op)
	if !ok {
		return 0, false
	}
	return *ratio * currentCost, true
}

// limitingServerTps returns the limiting transaction rate for a
// storage server and tag combination.
func (t *GlobalTagThrottler) limitingServerTps(id ServerID, tag Tag, op opType) (float64, bool) {
	quotaRatio := t.quotaRatio(tag, id, op)
	if quotaRatio == 0 {
		// a tag with no share of the quota is not constrained here
		return 0, false
	}
	limitingCost, ok := t.limitingCost(id, op)
	if !ok {
		return 0, false
	}
	avgTransactionCost, ok := t.averageServerTransactionCost(tag, id, op)
	if !ok || avgTransactionCost == 0 {
		return 0, false
	}

	limitingCostForTag := limitingCost * quotaRatio
	return limitingCostForTag / avgTransactionCost, true
}

// limitingOpTps returns the limiting transaction rate, aggregated
// across all storage servers.
func (t *GlobalTagThrottler) limitingOpTps(tag Tag, op opType) (float64, bool) {
	result, hasResult := 0.0, false
	for id := range t.throttlingRatios {
		tps, ok := t.limitingServerTps(id, tag, op)
		if !ok {
			continue
		}
		if !hasResult || tps < result {
			result, hasResult = tps, true
		}
	}
	return result, hasResult
}

func (t *GlobalTagThrottler) limitingTps(tag Tag) (float64, bool) {
	return combineMin(
		func() (float64, bool) { return t.limitingOpTps(tag, opRead) },
		func() (float64, bool) { return t.limitingOpTps(tag, opWrite) },
	)
}

func (t *GlobalTagThrottler) desiredOpTps(tag Tag, op opType) (float64, bool) {
	avgTransactionCost, ok := t.averageTransactionCost(tag, op)
	if !ok || avgTransactionCost == 0 {
		return 0, false
	}
	desiredCost, ok := t.quota(tag, op, limitTotal)
	if !ok || desiredCost == 0 {
		return 0, false
	}
	return desiredCost / avgTransactionCost, true
}

func (t *GlobalTagThrottler) desiredTps(tag Tag) (float64, bool) {
	return combineMin(
		func() (float64, bool) { return t.desiredOpTps(tag, opRead) },
		func() (float64, bool) { return t.desiredOpTps(tag, opWrite) },
	)
}

func (t *GlobalTagThrottler) reservedOpTps(tag Tag, op opType) (float64, bool) {
	reservedCost, ok := t.quota(tag, op, limitReserved)
	if !ok {
		return 0, false
	}
	avgTransactionCost, ok := t.averageTransactionCost(tag, op)
	if !ok || avgTransactionCost == 0 {
		return 0, false
	}
	return reservedCost / avgTransactionCost, true
}

// reservedTps takes the stricter of the two reserved floors.
func (t *GlobalTagThrottler) reservedTps(tag Tag) (float64, bool) {
	return combineMax(
		func() (float64, bool) { return t.reservedOpTps(tag, opRead) },
		func() (float64, bool) { return t.reservedOpTps(tag, opWrite) },
	)
}

// telemetryMentions reports whether any storage server's throughput
// table still carries the tag.
func (t *GlobalTagThrottler) telemetryMentions(tag Tag) bool {
	for _, perTag := range t.throughput {
		if _, ok := perTag[tag]; ok {
			return true
		}
	}
	return false
}

func combineMin(read, write func() (float64, bool)) (float64, bool) {
	r, hasRead := read()
	w, hasWrite := write()
	switch {
	case hasRead && hasWrite:
		return minf(r, w), true
	case hasRead:
		return r, true
	default:
		return w, hasWrite
	}
}

func combineMax(read, write func() (float64, bool)) (float64, bool) {
	r, hasRead := read()
	w, hasWrite := write()
	switch {
	case hasRead && hasWrite:
		return maxf(r, w), true
	case hasRead:
		return r, true
	default:
		return w, hasWrite
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
