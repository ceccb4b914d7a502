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

package config

import (
	"time"

	"github.com/tigrisdata/tagthrottler/util/log"
)

type ServerConfig struct {
	Host string
	Port int16
}

type Config struct {
	Log          log.LogConfig
	Server       ServerConfig    `yaml:"server" json:"server"`
	Throttler    ThrottlerConfig `yaml:"throttler" json:"throttler"`
	Metrics      MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing      TracingConfig   `yaml:"tracing" json:"tracing"`
	Profiling    ProfilingConfig `yaml:"profiling" json:"profiling"`
	FoundationDB FoundationDBConfig
}

// ThrottlerConfig keeps the control loop knobs.
//
// FoldingTime is the exponential decay time constant shared by every
// smoother (throughput, transaction counters and per-client rates).
// MinRate is the floor applied to every published per-client TPS.
// ScanLimit bounds the quota range read of a single watcher cycle.
type ThrottlerConfig struct {
	FoldingTime       time.Duration `mapstructure:"folding_time" yaml:"folding_time" json:"folding_time"`
	MinRate           float64       `mapstructure:"min_rate" yaml:"min_rate" json:"min_rate"`
	QuotaPollInterval time.Duration `mapstructure:"quota_poll_interval" yaml:"quota_poll_interval" json:"quota_poll_interval"`
	ScanLimit         int           `mapstructure:"scan_limit" yaml:"scan_limit" json:"scan_limit"`
}

type MetricsConfig struct {
	Enabled bool
}

type TracingConfig struct {
	Enabled             bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	SampleRate          float64 `mapstructure:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
	CodeHotspotsEnabled bool    `mapstructure:"codehotspots_enabled" yaml:"codehotspots_enabled" json:"codehotspots_enabled"`
	EndpointsEnabled    bool    `mapstructure:"endpoints_enabled" yaml:"endpoints_enabled" json:"endpoints_enabled"`
	WithUDS             string  `mapstructure:"agent_socket" yaml:"agent_socket" json:"agent_socket"`
	WithAgentAddr       string  `mapstructure:"agent_addr" yaml:"agent_addr" json:"agent_addr"`
	WithDogStatsdAddr   string  `mapstructure:"dogstatsd_addr" yaml:"dogstatsd_addr" json:"dogstatsd_addr"`
}

type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// FoundationDBConfig keeps FoundationDB configuration parameters
type FoundationDBConfig struct {
	ClusterFile string `mapstructure:"cluster_file" json:"cluster_file" yaml:"cluster_file"`
}

var DefaultConfig = Config{
	Log: log.LogConfig{
		Level:  "info",
		Format: "console",
	},
	Server: ServerConfig{
		Host: "0.0.0.0",
		Port: 8091,
	},
	Throttler: ThrottlerConfig{
		FoldingTime:       10 * time.Second,
		MinRate:           1.0,
		QuotaPollInterval: 5 * time.Second,
		ScanLimit:         1000000,
	},
	Metrics: MetricsConfig{
		Enabled: true,
	},
	Tracing: TracingConfig{
		Enabled:    false,
		SampleRate: 0.01,
	},
	Profiling: ProfilingConfig{
		Enabled: false,
	},
}
