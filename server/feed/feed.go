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

// Package feed exposes the throttler over HTTP: storage servers push
// queue telemetry and health ratios in, transaction frontends pull the
// per-client rate advice out, and operators manage tag quotas.
package feed

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/tigrisdata/tagthrottler/server/config"
	"github.com/tigrisdata/tagthrottler/server/metrics"
	"github.com/tigrisdata/tagthrottler/server/throttler"
)

const readHeaderTimeout = 5 * time.Second

type Server struct {
	Router chi.Router

	throttler  *throttler.GlobalTagThrottler
	quotaStore *throttler.QuotaStore
	cfg        *config.Config
}

func NewServer(cfg *config.Config, t *throttler.GlobalTagThrottler, q *throttler.QuotaStore) *Server {
	s := &Server{
		Router:     chi.NewRouter(),
		throttler:  t,
		quotaStore: q,
		cfg:        cfg,
	}

	s.Router.Use(cors.AllowAll().Handler)
	s.Router.Mount("/admin/debug", chi_middleware.Profiler())
	if metrics.Reporter != nil {
		s.Router.Handle("/metrics", metrics.Reporter.HTTPHandler())
	}

	s.Router.Route("/v1/throttler", func(r chi.Router) {
		r.Get("/rates", s.getRates)
		r.Get("/change-id", s.getChangeID)
		r.Get("/stats", s.getStats)
		r.Post("/queue-info", s.postQueueInfo)
		r.Put("/servers/{id}/health", s.putServerHealth)
		r.Route("/quotas", func(r chi.Router) {
			r.Get("/", s.listQuotas)
			r.Get("/{tag}", s.getQuota)
			r.Put("/{tag}", s.putQuota)
			r.Delete("/{tag}", s.deleteQuota)
		})
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: readHeaderTimeout}

	log.Info().Str("addr", addr).Msg("starting rate feed server")

	return srv.ListenAndServe()
}

func (s *Server) getRates(w http.ResponseWriter, _ *http.Request) {
	rates := s.throttler.GetClientRates()

	for tag, limit := range rates[throttler.PriorityDefault] {
		metrics.UpdatePublishedRate(string(tag), limit.TpsRate)
	}

	log.Debug().Int("tags", len(rates[throttler.PriorityDefault])).Msg("GlobalTagThrottler_RateMonitor")

	writeJSON(w, http.StatusOK, rates)
}

func (s *Server) getChangeID(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"change_id": s.throttler.GetThrottledTagChangeID()})
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"auto_throttle_count":        s.throttler.AutoThrottleCount(),
		"busy_read_tag_count":        s.throttler.BusyReadTagCount(),
		"busy_write_tag_count":       s.throttler.BusyWriteTagCount(),
		"manual_throttle_count":      s.throttler.ManualThrottleCount(),
		"is_auto_throttling_enabled": s.throttler.IsAutoThrottlingEnabled(),
	})
}

func (s *Server) postQueueInfo(w http.ResponseWriter, r *http.Request) {
	var info throttler.StorageQueueInfo
	if err := jsoniter.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.throttler.TryUpdateAutoThrottling(info)
	metrics.IncTelemetryReports()

	w.WriteHeader(http.StatusNoContent)
}

type serverHealth struct {
	// Ratio of the current cost rate the server can sustain; null
	// clears back-pressure.
	ThrottlingRatio *float64 `json:"throttling_ratio"`
}

func (s *Server) putServerHealth(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var health serverHealth
	if err := jsoniter.NewDecoder(r.Body).Decode(&health); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if health.ThrottlingRatio != nil {
		ratio := *health.ThrottlingRatio
		if ratio < 0 || ratio > 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("throttling ratio %v out of [0, 1]", ratio))
			return
		}
	}

	s.throttler.SetThrottlingRatio(id, health.ThrottlingRatio)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listQuotas(w http.ResponseWriter, r *http.Request) {
	quotas, err := s.quotaStore.List(r.Context(), s.cfg.Throttler.ScanLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, quotas)
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	quota, err := s.quotaStore.Get(r.Context(), throttler.Tag(chi.URLParam(r, "tag")))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	writeJSON(w, http.StatusOK, quota)
}

func (s *Server) putQuota(w http.ResponseWriter, r *http.Request) {
	var quota throttler.TagQuota
	if err := jsoniter.NewDecoder(r.Body).Decode(&quota); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.quotaStore.Set(r.Context(), throttler.Tag(chi.URLParam(r, "tag")), quota); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteQuota(w http.ResponseWriter, r *http.Request) {
	if err := s.quotaStore.Remove(r.Context(), throttler.Tag(chi.URLParam(r, "tag"))); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoniter.NewEncoder(w).Encode(v); err != nil {
		log.Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
