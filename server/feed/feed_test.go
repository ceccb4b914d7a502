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

package feed

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tigrisdata/tagthrottler/server/config"
	"github.com/tigrisdata/tagthrottler/server/throttler"
	"github.com/tigrisdata/tagthrottler/store/kv"
)

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
	return v, nil
}

func (t *memTx) Set(_ context.Context, key []byte, value []byte) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.data[string(key)] = value
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
			rows = append(rows, kv.KeyValue{Key: []byte(k), Value: v})
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

func newTestServer() *Server {
	cfg := config.DefaultConfig
	gtt := throttler.NewGlobalTagThrottler(config.ThrottlerConfig{
		FoldingTime:       10 * time.Second,
		MinRate:           1.0,
		QuotaPollInterval: 5 * time.Second,
		ScanLimit:         1000,
	})
	return NewServer(&cfg, gtt, throttler.NewQuotaStore(newMemStore()))
}

func request(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)

	return w
}

func TestQuotaAdmin(t *testing.T) {
	s := newTestServer()

	w := request(t, s, http.MethodPut, "/v1/throttler/quotas/sampleTag1", `{"total_read":100,"reserved_read":70}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = request(t, s, http.MethodGet, "/v1/throttler/quotas/sampleTag1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"total_read":100,"total_write":0,"reserved_read":70,"reserved_write":0}`, w.Body.String())

	w = request(t, s, http.MethodGet, "/v1/throttler/quotas/", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"sampleTag1":{"total_read":100,"total_write":0,"reserved_read":70,"reserved_write":0}}`, w.Body.String())

	// reserved above total is rejected
	w = request(t, s, http.MethodPut, "/v1/throttler/quotas/sampleTag1", `{"total_read":10,"reserved_read":20}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, s, http.MethodDelete, "/v1/throttler/quotas/sampleTag1", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = request(t, s, http.MethodGet, "/v1/throttler/quotas/sampleTag1", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTelemetryIngestion(t *testing.T) {
	s := newTestServer()

	id := uuid.New()
	body := fmt.Sprintf(`{"id":%q,"busiest_read_tags":[{"tag":"sampleTag1","rate":100,"fractional_busyness":0.5}]}`, id)

	w := request(t, s, http.MethodPost, "/v1/throttler/queue-info", body)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = request(t, s, http.MethodPost, "/v1/throttler/queue-info", "not json")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerHealth(t *testing.T) {
	s := newTestServer()

	id := uuid.New()

	w := request(t, s, http.MethodPut, "/v1/throttler/servers/"+id.String()+"/health", `{"throttling_ratio":0.5}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = request(t, s, http.MethodPut, "/v1/throttler/servers/"+id.String()+"/health", `{"throttling_ratio":null}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = request(t, s, http.MethodPut, "/v1/throttler/servers/"+id.String()+"/health", `{"throttling_ratio":1.5}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, s, http.MethodPut, "/v1/throttler/servers/not-a-uuid/health", `{"throttling_ratio":0.5}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRatesAndChangeID(t *testing.T) {
	s := newTestServer()

	// no telemetry yet: no advice this cycle
	w := request(t, s, http.MethodGet, "/v1/throttler/rates", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{}`, w.Body.String())

	w = request(t, s, http.MethodGet, "/v1/throttler/change-id", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"change_id":0}`, w.Body.String())

	w = request(t, s, http.MethodGet, "/v1/throttler/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"auto_throttle_count":0,"busy_read_tag_count":0,"busy_write_tag_count":0,"manual_throttle_count":0,"is_auto_throttling_enabled":true}`, w.Body.String())
}
