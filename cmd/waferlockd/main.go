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

// Command waferlockd runs one tracker per configured application/service
// pair and an admin HTTP surface for triggering polls and inspecting state.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/chudley/waferlock"
	"github.com/chudley/waferlock/directory"
	"github.com/chudley/waferlock/inventory"
	"github.com/chudley/waferlock/pool"
	"github.com/chudley/waferlock/pool/redispool"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.WithPrefix(logger, "ts", log.DefaultTimestampUTC)
	logger = log.WithPrefix(logger, "caller", log.DefaultCaller)

	if err := run(logger); err != nil {
		level.Error(logger).Log("msg", "waferlockd exiting", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	level.Info(logger).Log("msg", "starting waferlockd",
		"directory_url", config.DirectoryURL,
		"services", len(config.Services),
		"min_interval", config.MinInterval,
		"max_interval", config.MaxInterval,
	)

	var directoryOptions []directory.ClientOption
	for _, pair := range config.Services {
		if pair.Application == directory.FallbackApp {
			directoryOptions = append(directoryOptions, directory.WithIncludeMaster())
			break
		}
	}
	directoryClient, err := directory.NewHTTPClient(config.DirectoryURL, directoryOptions...)
	if err != nil {
		return err
	}
	factory := inventory.NewHTTPFactory(config.DomainSuffix)

	var destination pool.Pool
	var memory *pool.Memory
	if config.RedisAddr != "" {
		client, err := redispool.NewUniversalClient(config.RedisAddr)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		destination = redispool.New(client, "waferlock")
		level.Info(logger).Log("msg", "publishing to redis pool")
	} else {
		memory = pool.NewMemory()
		destination = memory
		level.Info(logger).Log("msg", "publishing to in-memory pool")
	}

	trackers := make(map[string]*waferlock.Tracker, len(config.Services))
	for _, pair := range config.Services {
		tracker, err := waferlock.New(
			waferlock.Config{
				Application: pair.Application,
				Service:     pair.Service,
				MinInterval: config.MinInterval,
				MaxInterval: config.MaxInterval,
				Shard:       config.Shard,
			},
			directoryClient,
			factory,
			destination,
			waferlock.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		trackers[pair.Application+":"+pair.Service] = tracker
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	newAdminServer(trackers, memory, logger).register(e)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	for _, tracker := range trackers {
		group.Go(func() error {
			return tracker.Run(ctx)
		})
	}
	group.Go(func() error {
		level.Info(logger).Log("msg", "admin server listening", "port", config.AdminPort)
		err := e.Start(fmt.Sprintf(":%d", config.AdminPort))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "waferlockd stopped")
	return nil
}
