// Copyright 2026 The Waferlock Authors
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
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"

	"github.com/chudley/waferlock"
	"github.com/chudley/waferlock/pool"
)

// adminServer exposes the trigger surface and a read-only view of tracker
// and pool state.
type adminServer struct {
	trackers map[string]*waferlock.Tracker
	memory   *pool.Memory // nil when the pool is external
	logger   log.Logger
}

func newAdminServer(trackers map[string]*waferlock.Tracker, memory *pool.Memory, logger log.Logger) *adminServer {
	return &adminServer{
		trackers: trackers,
		memory:   memory,
		logger:   log.WithPrefix(logger, "component", "admin"),
	}
}

func (s *adminServer) register(e *echo.Echo) {
	e.POST("/v1/poll", s.poll)
	e.GET("/v1/trackers", s.listTrackers)
	e.GET("/v1/pool", s.showPool)
	e.GET("/healthz", s.healthz)
}

// poll (POST /v1/poll) pokes every tracker. A tracker that is not idle
// discards the signal, so this is always safe to call.
func (s *adminServer) poll(ectx echo.Context) error {
	for name, tracker := range s.trackers {
		tracker.Poke()
		level.Debug(s.logger).Log("msg", "poked tracker", "tracker", name)
	}
	return ectx.NoContent(http.StatusAccepted)
}

// listTrackers (GET /v1/trackers) reports each tracker's state.
func (s *adminServer) listTrackers(ectx echo.Context) error {
	statuses := make(map[string]waferlock.Status, len(s.trackers))
	for name, tracker := range s.trackers {
		statuses[name] = tracker.Status()
	}
	return ectx.JSON(http.StatusOK, statuses)
}

// showPool (GET /v1/pool) dumps the in-memory pool's tag→addresses view. It
// is unavailable when the daemon publishes to an external pool.
func (s *adminServer) showPool(ectx echo.Context) error {
	if s.memory == nil {
		return echo.NewHTTPError(http.StatusNotFound, "pool is external")
	}
	return ectx.JSON(http.StatusOK, s.memory.Snapshot())
}

func (s *adminServer) healthz(ectx echo.Context) error {
	return ectx.NoContent(http.StatusOK)
}
