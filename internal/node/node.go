// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blinklabs-io/kelpie"
	"github.com/blinklabs-io/kelpie/config/genesis"
	"github.com/blinklabs-io/kelpie/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")
	genesisCfg, err := genesis.NewGenesisConfigFromFile(cfg.GenesisFile)
	if err != nil {
		return err
	}
	genesisConf, err := genesisCfg.Configuration()
	if err != nil {
		return fmt.Errorf("invalid genesis %s: %w", cfg.GenesisFile, err)
	}
	logger.Debug(
		fmt.Sprintf("genesis config: %+v", genesisConf),
		"component", "node",
	)
	shutdownTimeout, maxDrift, handshakeTimeout, err := cfg.Durations()
	if err != nil {
		return err
	}
	if shutdownTimeout == 0 {
		shutdownTimeout = kelpie.DefaultShutdownTimeout
	}
	opts := []kelpie.ConfigOptionFunc{
		kelpie.WithLogger(logger),
		kelpie.WithGenesis(genesisConf),
		kelpie.WithDataDir(cfg.DataDir),
		kelpie.WithAuxStore(kelpie.AuxStore(cfg.AuxStore)),
		kelpie.WithKeyFiles(cfg.KeyFiles...),
		kelpie.WithForgeBlocks(cfg.ForgeBlocks),
		kelpie.WithBackoff(cfg.Backoff),
		kelpie.WithExternalClaiming(cfg.ExternalClaiming),
		kelpie.WithMaxExtrinsics(cfg.MaxExtrinsics),
		kelpie.WithShutdownTimeout(shutdownTimeout),
		// Enable metrics with default prometheus registry
		kelpie.WithPrometheusRegistry(prometheus.DefaultRegisterer),
		kelpie.WithTracing(cfg.Tracing),
		kelpie.WithTracingStdout(cfg.TracingStdout),
	}
	if cfg.BlockProposalSlotPortion > 0 {
		opts = append(
			opts,
			kelpie.WithBlockProposalSlotPortion(cfg.BlockProposalSlotPortion),
		)
	}
	if cfg.MaxBlockProposalSlotPortion > 0 {
		opts = append(
			opts,
			kelpie.WithMaxBlockProposalSlotPortion(cfg.MaxBlockProposalSlotPortion),
		)
	}
	if maxDrift > 0 {
		opts = append(opts, kelpie.WithMaxDrift(maxDrift))
	}
	if handshakeTimeout > 0 {
		opts = append(opts, kelpie.WithHandshakeTimeout(handshakeTimeout))
	}
	k, err := kelpie.New(kelpie.NewConfig(opts...))
	if err != nil {
		return err
	}
	// Metrics listener
	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.MetricsPort)
		logger.Info(
			"serving prometheus metrics on "+metricsAddr,
			"component", "node",
		)
		metricsServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 60 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				logger.Error(
					fmt.Sprintf("failed to start metrics listener: %s", err),
					"component", "node",
				)
				os.Exit(1)
			}
		}()
	}
	shutdownMetrics := func() {
		if metricsServer == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	errChan := make(chan error, 1)
	go func() {
		//nolint:contextcheck
		errChan <- k.Run(signalCtx)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")
		shutdownMetrics()
		if err := k.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case err := <-errChan:
		shutdownMetrics()
		if stopErr := k.Stop(); stopErr != nil {
			logger.Error("shutdown errors occurred", "error", stopErr)
			if err == nil {
				err = stopErr
			}
		}
		if err != nil {
			logger.Error("node error", "error", err)
			return err
		}
		logger.Info("node stopped")
		return nil
	}
}
