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
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tigrisdata/tagthrottler/lib/container"
	"github.com/tigrisdata/tagthrottler/server/metrics"
	"github.com/tigrisdata/tagthrottler/store/kv"
)

var quotaTxOptions = kv.TxOptions{
	AccessSystemKeys:        true,
	PrioritySystemImmediate: true,
}

// MonitorThrottlingChanges polls the durable quota table, folds every
// record into the controller and reconciles tags whose quota
// disappeared. It runs until the context is cancelled. Transient read
// errors are retried by the store's transactional retry loop; anything
// surfacing past it is logged and the poll resumes on the next tick.
func (t *GlobalTagThrottler) MonitorThrottlingChanges(ctx context.Context, store kv.TxStore) error {
	seenTags := container.NewHashSet()

	for {
		err := store.Transact(ctx, &quotaTxOptions, func(ctx context.Context, tx kv.Tx) error {
			seenTags.Clear()
			return t.readCurrentQuotas(ctx, tx, &seenTags)
		})
		if err != nil {
			log.Error().Err(err).Msg("GlobalTagThrottlerMonitoringChangesError")
		} else {
			t.removeUnseenTags(&seenTags)
			t.throttledTagChangeID.Inc()
			metrics.IncWatcherCycles()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cfg.QuotaPollInterval):
		}

		log.Debug().Msg("GlobalTagThrottler_ChangeSignaled")
	}
}

func (t *GlobalTagThrottler) readCurrentQuotas(ctx context.Context, tx kv.Tx, seenTags *container.HashSet) error {
	lKey, rKey := tagQuotaRange()

	it, err := tx.ReadRange(ctx, lKey, rKey, t.cfg.ScanLimit, true)
	if err != nil {
		return err
	}

	size := 0
	var row kv.KeyValue
	for it.Next(&row) {
		tag := tagFromQuotaKey(row.Key)
		quota, err := parseTagQuota(row.Value)
		if err != nil {
			return err
		}
		t.SetQuota(tag, quota)
		seenTags.Insert(string(tag))
		size++
	}
	if err := it.Err(); err != nil {
		return err
	}

	log.Debug().Int("size", size).Msg("GlobalTagThrottler_ReadCurrentQuotas")

	return nil
}

// removeUnseenTags reconciles the tag table against the quota scan: a
// tag whose quota record is gone loses its quota, and its statistics
// are dropped entirely once telemetry no longer mentions it.
func (t *GlobalTagThrottler) removeUnseenTags(seenTags *container.HashSet) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for tag, stats := range t.tagStatistics {
		if seenTags.Contains(string(tag)) {
			continue
		}
		stats.clearQuota()
		if !t.telemetryMentions(tag) {
			delete(t.tagStatistics, tag)
		}
	}
}
