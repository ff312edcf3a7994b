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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/duelgrid/arena/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel)

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(semver)
		return
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Arena starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()))

	// Start up server components.
	metrics := server.NewMetrics(startupLogger, config)
	tickets := server.NewTicketService(config)
	sessionRegistry := server.NewSessionRegistry(metrics)
	matchRegistry := server.NewMatchRegistry(logger, config, metrics)
	anchor := server.NewAnchorClient(logger, config)
	pairing := server.NewPairing(logger, tickets, matchRegistry, anchor, metrics)
	pipeline := server.NewPipeline(config, matchRegistry, metrics)
	apiServer := server.StartApiServer(logger, startupLogger, config, tickets, pairing, matchRegistry, sessionRegistry, pipeline)

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	// Wait for a termination signal.
	<-c
	startupLogger.Info("Shutting down")

	// Gracefully stop server components.
	apiServer.Stop()
	sessionRegistry.Stop()
	matchRegistry.Stop()
	metrics.Stop(logger)

	os.Exit(0)
}
