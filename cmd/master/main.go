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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/axialworks/fanfleet/pkg/config"
	"github.com/axialworks/fanfleet/pkg/discovery"
	"github.com/axialworks/fanfleet/pkg/dispatch"
	"github.com/axialworks/fanfleet/pkg/events"
	"github.com/axialworks/fanfleet/pkg/lifecycle"
	"github.com/axialworks/fanfleet/pkg/logger"
	"github.com/axialworks/fanfleet/pkg/models"
	"github.com/axialworks/fanfleet/pkg/registry"
	"github.com/axialworks/fanfleet/pkg/stability"
	"github.com/axialworks/fanfleet/pkg/telemetry"
	"github.com/axialworks/fanfleet/pkg/version"
)

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	// Parse command line flags
	configPath := flag.String("config", "/etc/fanfleet/master.json", "Path to master config file")
	flag.Parse()

	ctx := context.Background()

	// Step 1: Load configuration
	cfgLoader := config.NewConfig(nil)

	var cfg models.MasterConfig

	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	if err := cfgLoader.ApplyEnvOverrides(ctx, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	// Step 2: Create logger from loaded config
	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = &logger.Config{
			Level:  "info",
			Output: "stdout",
		}
	}

	mainLogger, err := lifecycle.CreateComponentLogger("master", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	mainLogger.Info().Str("version", version.GetFullVersion()).Msg("FanFleet master starting")

	return runMaster(ctx, &cfg, logConfig, mainLogger)
}

// runMaster wires the coordination core together and supervises it.
func runMaster(ctx context.Context, cfg *models.MasterConfig, logConfig *logger.Config, mainLogger logger.Logger) error {
	componentLogger := func(name string) logger.Logger {
		l, lerr := lifecycle.CreateComponentLogger(name, logConfig)
		if lerr != nil {
			return mainLogger
		}

		return l
	}

	bus := events.NewBus(cfg.EventBuffer, componentLogger("events"))
	defer bus.Close()

	timeouts := stability.DefaultTimeouts()
	retrier := stability.NewRetrier(retrySchedule(cfg.RetrySchedule), componentLogger("retry"))

	reg := registry.New(registry.Config{
		Period:      time.Duration(cfg.Period),
		MaxTimeouts: cfg.MaxTimeouts,
		LockTimeout: time.Duration(cfg.LockTimeout),
	}, nil, bus, componentLogger("registry"))

	queue := dispatch.NewQueue(cfg.CommandQueue, time.Duration(cfg.LockTimeout))

	detector := stability.NewDeadlockDetector(time.Duration(cfg.DeadlockInterval), bus, componentLogger("deadlock"))
	detector.Register(reg.Guard())
	detector.Register(queue.Guard())

	// Bind the sockets up front; a telemetry bind failure is fatal.
	discoveryConn, err := discovery.ListenBroadcast(ctx, cfg.DiscoveryPort)
	if err != nil {
		return err
	}

	telemetryConn, err := telemetry.Listen(cfg.TelemetryPort)
	if err != nil {
		_ = discoveryConn.Close()
		return err
	}

	commandConn, err := dispatch.Dial()
	if err != nil {
		_ = discoveryConn.Close()
		_ = telemetryConn.Close()

		return err
	}

	broadcaster, err := discovery.New(discovery.Config{
		Passcode:      cfg.Passcode,
		BroadcastAddr: cfg.BroadcastAddr,
		DiscoveryPort: cfg.DiscoveryPort,
		TelemetryPort: cfg.TelemetryPort,
		Interval:      time.Duration(cfg.BroadcastInterval),
	}, discoveryConn, reg, retrier, timeouts, componentLogger("discovery"))
	if err != nil {
		return err
	}

	ingestor, err := telemetry.New(telemetry.Config{
		ListenPort: cfg.TelemetryPort,
		Period:     time.Duration(cfg.Period),
	}, telemetryConn, reg, componentLogger("telemetry"))
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(queue, commandConn, reg, bus, retrier, timeouts, componentLogger("dispatch"))
	if err != nil {
		return err
	}

	return lifecycle.Run(ctx, &lifecycle.Options{
		ServiceName: "fanfleet-master",
		Services: []lifecycle.Service{
			detector,
			broadcaster,
			ingestor,
			dispatcher,
		},
		Logger: mainLogger,
	})
}

func retrySchedule(schedule []models.Duration) []time.Duration {
	out := make([]time.Duration, 0, len(schedule))
	for _, d := range schedule {
		out = append(out, time.Duration(d))
	}

	return out
}
