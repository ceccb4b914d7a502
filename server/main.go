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

package main

import (
	"context"
	"os"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/tigrisdata/tagthrottler/server/config"
	"github.com/tigrisdata/tagthrottler/server/feed"
	"github.com/tigrisdata/tagthrottler/server/metrics"
	"github.com/tigrisdata/tagthrottler/server/throttler"
	"github.com/tigrisdata/tagthrottler/server/tracing"
	"github.com/tigrisdata/tagthrottler/store/kv"
	"github.com/tigrisdata/tagthrottler/util"
	ulog "github.com/tigrisdata/tagthrottler/util/log"
)

func main() {
	os.Exit(mainWithCode())
}

func mainWithCode() int {
	config.LoadConfig(&config.DefaultConfig)
	ulog.Configure(config.DefaultConfig.Log)

	log.Info().Msgf("Environment: '%v'", config.GetEnvironment())
	log.Info().Msgf("Number of CPUs: %v", runtime.NumCPU())

	closerFunc, err := tracing.InitTracer(&config.DefaultConfig)
	if err != nil {
		ulog.E(err)
	}
	defer closerFunc()

	cleanup := metrics.InitializeMetrics()
	defer cleanup()

	log.Info().Str("version", util.Version).Msg("Starting global tag throttler")

	kvStore, err := kv.NewTxStore(&config.DefaultConfig.FoundationDB)
	if err != nil {
		log.Error().Err(err).Msg("error initializing kv store")
		return 1
	}

	cfg := &config.DefaultConfig

	gtt := throttler.NewGlobalTagThrottler(cfg.Throttler)
	quotaStore := throttler.NewQuotaStore(kvStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := gtt.MonitorThrottlingChanges(ctx, kvStore)
		log.Err(err).Msg("quota watcher exited")
	}()

	if err := feed.NewServer(cfg, gtt, quotaStore).Start(); err != nil {
		log.Error().Err(err).Msg("rate feed server failed")
		return 1
	}

	return 0
}
