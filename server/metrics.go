// Copyright 2024 The Arena Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

// Metrics exposes server counters and gauges, optionally reported through a
// Prometheus scrape endpoint on its own port.
type Metrics struct {
	scope                tally.Scope
	scopeCloser          io.Closer
	prometheusHTTPServer *http.Server

	SessionsGauge    tally.Gauge
	MatchesGauge     tally.Gauge
	QueueGauge       tally.Gauge
	FramesReceived   tally.Counter
	TurnsResolved    tally.Counter
	SubstitutedPicks tally.Counter
	DroppedEvents    tally.Counter
}

func NewMetrics(logger *zap.Logger, config Config) *Metrics {
	m := &Metrics{}

	if config.GetMetrics().PrometheusPort > 0 {
		reporter := promreporter.NewReporter(promreporter.Options{})
		m.scope, m.scopeCloser = tally.NewRootScope(tally.ScopeOptions{
			Prefix:         config.GetMetrics().Namespace,
			CachedReporter: reporter,
			Separator:      promreporter.DefaultSeparator,
		}, time.Second)

		router := mux.NewRouter()
		router.Handle("/metrics", reporter.HTTPHandler()).Methods(http.MethodGet)
		CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
		CORSOrigins := handlers.AllowedOrigins([]string{"*"})
		CORSMethods := handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead})
		handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)

		m.prometheusHTTPServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", config.GetMetrics().PrometheusPort),
			Handler: handlerWithCORS,
		}

		logger.Info("Starting Prometheus server for metrics requests", zap.Int("port", config.GetMetrics().PrometheusPort))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Prometheus listener failed", zap.Error(err))
			}
		}()
	} else {
		m.scope = tally.NoopScope
	}

	m.SessionsGauge = m.scope.Gauge("sessions_active")
	m.MatchesGauge = m.scope.Gauge("matches_active")
	m.QueueGauge = m.scope.Gauge("queue_waiting")
	m.FramesReceived = m.scope.Counter("frames_received")
	m.TurnsResolved = m.scope.Counter("turns_resolved")
	m.SubstitutedPicks = m.scope.Counter("substituted_picks")
	m.DroppedEvents = m.scope.Counter("outbound_events_dropped")

	return m
}

func (m *Metrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.prometheusHTTPServer.Shutdown(ctx); err != nil {
			logger.Warn("Prometheus listener shutdown failed", zap.Error(err))
		}
	}
	if m.scopeCloser != nil {
		m.scopeCloser.Close()
	}
}
