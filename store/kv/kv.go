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

package kv

import (
	"context"
)

type KeyValue struct {
	Key   []byte
	Value []byte
}

type Iterator interface {
	Next(value *KeyValue) bool
	Err() error
}

// TxOptions are applied to a transaction before its first read. The
// quota range lives in the system keyspace, so the throttler's reads
// need both system key access and system-immediate priority.
type TxOptions struct {
	AccessSystemKeys        bool
	PrioritySystemImmediate bool
}

type Tx interface {
	Get(ctx context.Context, key []byte, isSnapshot bool) ([]byte, error)
	Set(ctx context.Context, key []byte, value []byte) error
	Clear(ctx context.Context, key []byte) error
	ReadRange(ctx context.Context, lKey []byte, rKey []byte, limit int, isSnapshot bool) (Iterator, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type TxStore interface {
	BeginTx(ctx context.Context, opts *TxOptions) (Tx, error)
	// Transact runs fn in a transaction and commits it, retrying the
	// whole closure through the store's retry protocol on retriable
	// errors. fn may be invoked multiple times and must be idempotent
	// on the application side.
	Transact(ctx context.Context, opts *TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
