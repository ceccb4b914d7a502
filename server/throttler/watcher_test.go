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
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tigrisdata/tagthrottler/lib/container"
	"github.com/tigrisdata/tagthrottler/server/config"
	"github.com/tigrisdata/tagthrottler/store/kv"
)

// memStore is an in-memory kv.TxStore. Transactions apply directly;
// the tests drive it from a single goroutine per transaction.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) BeginTx(_ context.Context, _ *kv.TxOptions) (kv.Tx, error) {
	return &memTx{store: s}, nil
}

func (s *memStore) Transact(ctx context.Context, opts *kv.TxOptions, fn func(ctx context.Context, tx kv.Tx) error) error {
	tx, err := s.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type memTx struct {
	store *memStore
}

func (t *memTx) Get(_ context.Context, key []byte, _ bool) ([]byte, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	v, ok := t.store.data[string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (t *memTx) Set(_ context.Context, key []byte, value []byte) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *memTx) Clear(_ context.Context, key []byte) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	delete(t.store.data, string(key))
	return nil
}

func (t *memTx) ReadRange(_ context.Context, lKey []byte, rKey []byte, limit int, _ bool) (kv.Iterator, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	var rows []kv.KeyValue
	for k, v := range t.store.data {
		if bytes.Compare([]byte(k), lKey) >= 0 && bytes.Compare([]byte(k), rKey) < 0 {
			rows = append(rows, kv.KeyValue{Key: []byte(k), Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return bytes.Compare(rows[i].Key, rows[j].Key) < 0 })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	return &memIterator{rows: rows}, nil
}

func (t *memTx) Commit(_ context.Context) error   { return nil }
func (t *memTx) Rollback(_ context.Context) error { return nil }

type memIterator struct {
	rows []kv.KeyValue
	pos  int
}

func (i *memIterator) Next(value *kv.KeyValue) bool {
	if i.pos >= len(i.rows) {
		return false
	}
	*value = i.rows[i.pos]
	i.pos++
	return true
}

func (i *memIterator) Err() error { return nil }

func newWatcherThrottler() *GlobalTagThrottler {
	return NewGlobalTagThrottler(config.ThrottlerConfig{
		FoldingTime:       10 * time.Second,
		MinRate:           1.0,
		QuotaPollInterval: 10 * time.Millisecond,
		ScanLimit:         1000,
	})
}

func TestQuotaStoreRoundTrip(t *testing.T) {
	ctx := context.TODO()
	store := newMemStore()
	quotas := NewQuotaStore(store)

	in := TagQuota{TotalReadQuota: 100, TotalWriteQuota: 50, ReservedReadQuota: 70, ReservedWriteQuota: 10}
	require.NoError(t, quotas.Set(ctx, "sampleTag1", in))

	out, err := quotas.Get(ctx, "sampleTag1")
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = quotas.Get(ctx, "missing")
	require.Equal(t, kv.ErrNotFound, err)

	all, err := quotas.List(ctx, 1000)
	require.NoError(t, err)
	require.Equal(t, map[Tag]TagQuota{"sampleTag1": in}, all)

	require.NoError(t, quotas.Remove(ctx, "sampleTag1"))
	_, err = quotas.Get(ctx, "sampleTag1")
	require.Equal(t, kv.ErrNotFound, err)
}

func TestQuotaStoreRejectsInvalidQuota(t *testing.T) {
	ctx := context.TODO()
	quotas := NewQuotaStore(newMemStore())

	require.Error(t, quotas.Set(ctx, "t", TagQuota{TotalReadQuota: 10, ReservedReadQuota: 20}))
	require.Error(t, quotas.Set(ctx, "t", TagQuota{TotalWriteQuota: -1}))
}

func TestMonitorThrottlingChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemStore()
	quotas := NewQuotaStore(store)
	gtt := newWatcherThrottler()

	require.NoError(t, quotas.Set(ctx, "sampleTag1", TagQuota{TotalReadQuota: 100}))

	done := make(chan error, 1)
	go func() {
		done <- gtt.MonitorThrottlingChanges(ctx, store)
	}()

	require.Eventually(t, func() bool {
		return gtt.GetThrottledTagChangeID() >= 2
	}, 5*time.Second, time.Millisecond)

	gtt.mu.Lock()
	stats := gtt.tagStatistics["sampleTag1"]
	require.NotNil(t, stats)
	require.NotNil(t, stats.getQuota())
	require.Equal(t, 100.0, stats.getQuota().TotalReadQuota)
	gtt.mu.Unlock()

	// quota removal purges the tag on a following cycle
	require.NoError(t, quotas.Remove(ctx, "sampleTag1"))
	require.Eventually(t, func() bool {
		gtt.mu.Lock()
		defer gtt.mu.Unlock()
		_, ok := gtt.tagStatistics["sampleTag1"]
		return !ok
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.Equal(t, context.Canceled, <-done)
}

func TestChangeIDIsMonotone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gtt := newWatcherThrottler()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gtt.MonitorThrottlingChanges(ctx, newMemStore())
	}()

	last := uint64(0)
	for i := 0; i < 50; i++ {
		cur := gtt.GetThrottledTagChangeID()
		require.GreaterOrEqual(t, cur, last)
		last = cur
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}

func TestRemoveUnseenTags(t *testing.T) {
	gtt := newWatcherThrottler()

	gtt.SetQuota("withTelemetry", TagQuota{TotalReadQuota: 10})
	gtt.SetQuota("withoutTelemetry", TagQuota{TotalReadQuota: 10})
	gtt.SetQuota("stillQuoted", TagQuota{TotalReadQuota: 10})

	gtt.TryUpdateAutoThrottling(StorageQueueInfo{
		ID:              uuid.New(),
		BusiestReadTags: []TagBusyness{{Tag: "withTelemetry", Rate: 5}},
	})

	seen := container.NewHashSet("stillQuoted")
	gtt.removeUnseenTags(&seen)

	gtt.mu.Lock()
	defer gtt.mu.Unlock()

	// telemetry keeps the record alive but its quota is gone
	stats, ok := gtt.tagStatistics["withTelemetry"]
	require.True(t, ok)
	require.Nil(t, stats.getQuota())

	_, ok = gtt.tagStatistics["withoutTelemetry"]
	require.False(t, ok)

	stats, ok = gtt.tagStatistics["stillQuoted"]
	require.True(t, ok)
	require.NotNil(t, stats.getQuota())
}

func TestWatcherSurvivesScanErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &failingStore{memStore: newMemStore(), failures: 3}
	gtt := newWatcherThrottler()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gtt.MonitorThrottlingChanges(ctx, store)
	}()

	require.Eventually(t, func() bool {
		return gtt.GetThrottledTagChangeID() >= 1
	}, 5*time.Second, time.Millisecond)

	cancel()
	<-done
}

type failingStore struct {
	*memStore
	mu       sync.Mutex
	failures int
}

func (s *failingStore) Transact(ctx context.Context, opts *kv.TxOptions, fn func(ctx context.Context, tx kv.Tx) error) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return kv.ErrConflictingTransaction
	}
	s.mu.Unlock()
	return s.memStore.Transact(ctx, opts, fn)
}
