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
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tigrisdata/tagthrottler/server/config"
	ulog "github.com/tigrisdata/tagthrottler/util/log"
)

// fdbkv is an implementation of the kv store on top of FoundationDB
type fdbkv struct {
	db fdb.Database
}

type ftx struct {
	d  *fdbkv
	tx *fdb.Transaction
}

type fdbIterator struct {
	it  *fdb.RangeIterator
	err error
}

// NewTxStore initializes an instance of the FoundationDB-backed store.
func NewTxStore(cfg *config.FoundationDBConfig) (TxStore, error) {
	d := &fdbkv{}
	if err := d.init(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *fdbkv) init(cfg *config.FoundationDBConfig) (err error) {
	log.Err(err).Int("api_version", 630).Str("cluster_file", cfg.ClusterFile).Msg("initializing foundation db")
	fdb.MustAPIVersion(630)
	d.db, err = fdb.OpenDatabase(cfg.ClusterFile)
	log.Err(err).Msg("initialized foundation db")
	return
}

func (d *fdbkv) BeginTx(ctx context.Context, opts *TxOptions) (Tx, error) {
	tx, err := d.db.CreateTransaction()
	if ulog.E(err) {
		return nil, errors.Wrap(err, "create transaction")
	}

	if err := applyTxOptions(&tx, opts); err != nil {
		return nil, err
	}

	if err := setTxTimeout(&tx, getCtxTimeout(ctx)); err != nil {
		return nil, err
	}

	return &ftx{d: d, tx: &tx}, nil
}

func (d *fdbkv) Transact(ctx context.Context, opts *TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	_, err := d.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		// Options are reset when the fdb client retries, so reapply
		// them on every attempt.
		if err := applyTxOptions(&tr, opts); err != nil {
			return nil, err
		}
		if err := setTxTimeout(&tr, getCtxTimeout(ctx)); err != nil {
			return nil, err
		}
		return nil, fn(ctx, &ftx{d: d, tx: &tr})
	})
	return err
}

func applyTxOptions(tx *fdb.Transaction, opts *TxOptions) error {
	if opts == nil {
		return nil
	}
	if opts.AccessSystemKeys {
		if err := tx.Options().SetAccessSystemKeys(); err != nil {
			return errors.Wrap(err, "set access system keys")
		}
	}
	if opts.PrioritySystemImmediate {
		if err := tx.Options().SetPrioritySystemImmediate(); err != nil {
			return errors.Wrap(err, "set system immediate priority")
		}
	}
	return nil
}

func (t *ftx) Get(_ context.Context, key []byte, isSnapshot bool) ([]byte, error) {
	if isSnapshot {
		return t.tx.Snapshot().Get(fdb.Key(key)).Get()
	}
	return t.tx.Get(fdb.Key(key)).Get()
}

func (t *ftx) Set(_ context.Context, key []byte, value []byte) error {
	t.tx.Set(fdb.Key(key), value)
	return nil
}

func (t *ftx) Clear(_ context.Context, key []byte) error {
	t.tx.Clear(fdb.Key(key))
	return nil
}

func (t *ftx) ReadRange(_ context.Context, lKey []byte, rKey []byte, limit int, isSnapshot bool) (Iterator, error) {
	kr := fdb.KeyRange{Begin: fdb.Key(lKey), End: fdb.Key(rKey)}

	var r fdb.RangeResult
	if isSnapshot {
		r = t.tx.Snapshot().GetRange(kr, fdb.RangeOptions{Limit: limit})
	} else {
		r = t.tx.GetRange(kr, fdb.RangeOptions{Limit: limit})
	}

	log.Debug().Bytes("lKey", lKey).Bytes("rKey", rKey).Int("limit", limit).Msg("tx read range")

	return &fdbIterator{it: r.Iterator()}, nil
}

func (t *ftx) Commit(_ context.Context) error {
	for {
		err := t.tx.Commit().Get()

		if err == nil {
			break
		}

		log.Err(err).Msg("tx Commit")

		var ep fdb.Error
		if errors.As(err, &ep) {
			err = t.tx.OnError(ep).Get()
		}

		if err != nil {
			return err
		}
	}

	log.Debug().Msg("tx Commit")

	return nil
}

func (t *ftx) Rollback(_ context.Context) error {
	t.tx.Cancel()

	log.Debug().Msg("tx Rollback")

	return nil
}

func (i *fdbIterator) Next(kv *KeyValue) bool {
	if i.err != nil {
		return false
	}

	if !i.it.Advance() {
		return false
	}

	tkv, err := i.it.Get()
	if ulog.E(err) {
		i.err = err
		return false
	}

	if kv != nil {
		kv.Key = tkv.Key
		kv.Value = tkv.Value
	}

	return true
}

func (i *fdbIterator) Err() error {
	return i.err
}

// getCtxTimeout returns timeout in ms if it's set in the context
// returns 0 if timeout is not set
// returns negative number if timeout has expired
func getCtxTimeout(ctx context.Context) int64 {
	tm, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(tm).Milliseconds()
}

// setTxTimeout sets transaction timeout
func setTxTimeout(tx *fdb.Transaction, ms int64) error {
	if ms < 0 {
		return ErrTransactionTimedOut
	}
	if ms == 0 {
		return nil
	}
	return tx.Options().SetTimeout(ms)
}
