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

	"github.com/rs/zerolog/log"
	"github.com/tigrisdata/tagthrottler/store/kv"
)

// QuotaStore reads and writes the durable per-tag quota records the
// watcher polls. It is the administrative counterpart of the control
// loop and shares its key layout and codec.
type QuotaStore struct {
	store kv.TxStore
}

func NewQuotaStore(store kv.TxStore) *QuotaStore {
	return &QuotaStore{store: store}
}

func (s *QuotaStore) Set(ctx context.Context, tag Tag, quota TagQuota) error {
	if err := quota.Validate(); err != nil {
		return err
	}

	err := s.store.Transact(ctx, &quotaTxOptions, func(ctx context.Context, tx kv.Tx) error {
		return tx.Set(ctx, tagQuotaKey(tag), quota.pack())
	})

	log.Err(err).Str("tag", string(tag)).Msg("set tag quota")

	return err
}

func (s *QuotaStore) Get(ctx context.Context, tag Tag) (TagQuota, error) {
	var quota TagQuota

	err := s.store.Transact(ctx, &quotaTxOptions, func(ctx context.Context, tx kv.Tx) error {
		v, err := tx.Get(ctx, tagQuotaKey(tag), false)
		if err != nil {
			return err
		}
		if v == nil {
			return kv.ErrNotFound
		}

		quota, err = parseTagQuota(v)
		return err
	})

	return quota, err
}

func (s *QuotaStore) Remove(ctx context.Context, tag Tag) error {
	err := s.store.Transact(ctx, &quotaTxOptions, func(ctx context.Context, tx kv.Tx) error {
		return tx.Clear(ctx, tagQuotaKey(tag))
	})

	log.Err(err).Str("tag", string(tag)).Msg("remove tag quota")

	return err
}

func (s *QuotaStore) List(ctx context.Context, limit int) (map[Tag]TagQuota, error) {
	quotas := make(map[Tag]TagQuota)

	err := s.store.Transact(ctx, &quotaTxOptions, func(ctx context.Context, tx kv.Tx) error {
		lKey, rKey := tagQuotaRange()

		it, err := tx.ReadRange(ctx, lKey, rKey, limit, true)
		if err != nil {
			return err
		}

		var row kv.KeyValue
		for it.Next(&row) {
			quota, err := parseTagQuota(row.Value)
			if err != nil {
				return err
			}
			quotas[tagFromQuotaKey(row.Key)] = quota
		}

		return it.Err()
	})

	return quotas, err
}
