/*
 * Copyright 2026 Axialworks, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lifecycle manages service startup, supervision, and graceful
// shutdown on SIGINT/SIGTERM.
package lifecycle

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axialworks/fanfleet/pkg/logger"
)

// defaultShutdownTimeout bounds how long Stop calls may take once the
// run context ends.
const defaultShutdownTimeout = 10 * time.Second

// Service is a long-running component. Start blocks until the service
// stops or the context ends; Stop asks it to wind down.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options configures a supervised run.
type Options struct {
	// ServiceName appears in lifecycle log lines.
	ServiceName string

	// Services run concurrently; the first failure stops all of them.
	Services []Service

	// ShutdownTimeout bounds Stop; zero means the default.
	ShutdownTimeout time.Duration

	Logger logger.Logger
}

// Run starts every service and blocks until one fails, the context
// ends, or a termination signal arrives. All services are stopped
// before Run returns.
func Run(ctx context.Context, opts *Options) error {
	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("service", opts.ServiceName).Int("components", len(opts.Services)).Msg("Starting")

	g, runCtx := errgroup.WithContext(ctx)

	for _, svc := range opts.Services {
		svc := svc
		g.Go(func() error {
			err := svc.Start(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})
	}

	<-runCtx.Done()

	log.Info().Str("service", opts.ServiceName).Msg("Shutting down")

	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop in reverse start order so consumers wind down before producers.
	for i := len(opts.Services) - 1; i >= 0; i-- {
		svc := opts.Services[i]
		if err := svc.Stop(stopCtx); err != nil {
			log.Error().Err(err).Str("service", opts.ServiceName).Msg("Component stop failed")
		}
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Str("service", opts.ServiceName).Msg("Stopped with error")
		return err
	}

	log.Info().Str("service", opts.ServiceName).Msg("Stopped")

	return nil
}
