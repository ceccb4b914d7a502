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

package metrics

import (
	"io"
	"time"

	prom "github.com/m3db/prometheus_client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/tigrisdata/tagthrottler/server/config"
	"github.com/tigrisdata/tagthrottler/util"
	"github.com/uber-go/tally"
	promreporter "github.com/uber-go/tally/prometheus"
)

var (
	root     tally.Scope
	Reporter promreporter.Reporter

	// Throttler related metric scopes
	WatcherMetrics   tally.Scope
	RatesMetrics     tally.Scope
	TelemetryMetrics tally.Scope
)

func GetGlobalTags() map[string]string {
	res := map[string]string{
		"service": util.Service,
		"env":     config.GetEnvironment(),
	}
	if res["version"] = util.Version; res["version"] == "" {
		res["version"] = "dev"
	}
	return res
}

func InitializeMetrics() io.Closer {
	var closer io.Closer
	log.Debug().Msg("Initializing metrics")
	registry := prom.NewRegistry()
	Reporter = promreporter.NewReporter(promreporter.Options{Registerer: registry})
	root, closer = tally.NewRootScope(tally.ScopeOptions{
		Tags:           GetGlobalTags(),
		CachedReporter: Reporter,
		// Panics with .
		Separator: promreporter.DefaultSeparator,
	}, 1*time.Second)

	WatcherMetrics = root.SubScope("quota_watcher")
	RatesMetrics = root.SubScope("client_rates")
	TelemetryMetrics = root.SubScope("telemetry")

	return closer
}

// IncWatcherCycles counts completed quota table scans.
func IncWatcherCycles() {
	if WatcherMetrics == nil {
		return
	}
	WatcherMetrics.Counter("cycles").Inc(1)
}

// IncTelemetryReports counts ingested storage queue reports.
func IncTelemetryReports() {
	if TelemetryMetrics == nil {
		return
	}
	TelemetryMetrics.Counter("reports").Inc(1)
}

// UpdatePublishedRate records the per-client TPS advertised for a tag.
func UpdatePublishedRate(tag string, tps float64) {
	if RatesMetrics == nil {
		return
	}
	RatesMetrics.Tagged(map[string]string{"tag": tag}).Gauge("tps").Update(tps)
}
