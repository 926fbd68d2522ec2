/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/coordinator"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockmanager"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cacheengine"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/scheduler"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/env"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	envModelName    = "MODEL_NAME"
	envBlockSize    = "BLOCK_SIZE"
	envNumGPUBlocks = "NUM_GPU_BLOCKS"
	envNumCPUBlocks = "NUM_CPU_BLOCKS"
	envBlockBytes   = "BLOCK_BYTES"
	envSlowTier     = "SLOW_TIER"
	envDiskPath     = "SLOW_TIER_PATH"
	pythonHashSeed  = "PYTHONHASHSEED"

	envPreemptionMode = "PREEMPTION_MODE"
	envMaxRunning     = "MAX_RUNNING_SEQUENCES"
	envStepInterval   = "STEP_INTERVAL"

	envZMQEndpoint     = "ZMQ_ENDPOINT"
	envZMQTopic        = "ZMQ_TOPIC"
	envPoolConcurrency = "POOL_CONCURRENCY"
	envPublishEndpoint = "KV_EVENTS_PUBLISH_ENDPOINT"

	envHTTPPort     = "HTTP_PORT"
	defaultHTTPPort = "8080"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := klog.FromContext(ctx)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Error(err, "Failed to run KV block manager")
		os.Exit(1)
	}
}

func run(ctx context.Context) (retErr error) {
	logger := klog.FromContext(ctx)

	cfg := getEngineConfig(logger)
	engine, err := kvcache.NewEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer closeCancel()
		if err := engine.Close(closeCtx); err != nil {
			retErr = errors.Join(retErr, fmt.Errorf("failed to close engine: %w", err))
		}
	}()

	if err := engine.Run(ctx); err != nil {
		return err
	}
	logger.Info("Started engine", "engineID", engine.EngineID(), "model", cfg.ModelName)

	metrics.Register()
	metrics.StartMetricsLogging(ctx, 30*time.Second, engine.EngineID(), "gpu", "cpu")

	stepInterval := env.GetEnvDuration(envStepInterval, 10*time.Millisecond, logger)
	go wait.UntilWithContext(ctx, func(ctx context.Context) {
		step(ctx, engine)
	}, stepInterval)

	httpServer := setupHTTPEndpoints(ctx, engine)
	logger.Info("HTTP server running", "addr", httpServer.Addr)

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("Shutting down KV block manager...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "HTTP server shutdown error")
	}
	return nil
}

func getEngineConfig(logger logr.Logger) *kvcache.Config {
	config := kvcache.NewDefaultConfig()

	config.ModelName = env.GetEnvString(envModelName, config.ModelName, logger)

	bm := config.BlockManagerConfig
	bm.BlockSize = env.GetEnvInt(envBlockSize, bm.BlockSize, logger)
	bm.NumGPUBlocks = env.GetEnvInt(envNumGPUBlocks, bm.NumGPUBlocks, logger)
	bm.NumCPUBlocks = env.GetEnvInt(envNumCPUBlocks, bm.NumCPUBlocks, logger)
	bm.HashSeed = env.GetEnvString(pythonHashSeed, bm.HashSeed, logger)

	ce := config.CacheEngineConfig
	ce.BlockBytes = env.GetEnvString(envBlockBytes, ce.BlockBytes, logger)
	ce.SlowTier = cacheengine.SlowTierKind(env.GetEnvString(envSlowTier, string(ce.SlowTier), logger))
	ce.DiskPath = env.GetEnvString(envDiskPath, ce.DiskPath, logger)

	sc := config.SchedulerConfig
	sc.PreemptionMode = scheduler.PreemptionMode(env.GetEnvString(envPreemptionMode, string(sc.PreemptionMode), logger))
	sc.MaxRunningSequences = env.GetEnvInt(envMaxRunning, sc.MaxRunningSequences, logger)

	config.IndexConfig.EnableMetrics = true

	config.EventsConfig = &kvevents.Config{
		ZMQEndpoint: env.GetEnvString(envZMQEndpoint, "", logger),
		TopicFilter: env.GetEnvString(envZMQTopic, kvevents.DefaultConfig().TopicFilter, logger),
		Concurrency: env.GetEnvInt(envPoolConcurrency, kvevents.DefaultConfig().Concurrency, logger),
	}

	coord := coordinator.ConfigFromEnv(logger)
	if coord.EngineID != "" {
		config.CoordinatorConfig = coord
	}

	if endpoint := env.GetEnvString(envPublishEndpoint, "", logger); endpoint != "" {
		engineID := coord.EngineID
		if engineID == "" {
			engineID = "local"
		}
		config.PublisherConfig = &kvevents.PublisherConfig{
			Endpoint:  endpoint,
			EngineID:  engineID,
			ModelName: config.ModelName,
		}
	}

	return config
}

func step(ctx context.Context, engine *kvcache.Engine) {
	if !engine.Scheduler().HasUnfinished() {
		return
	}

	out, err := engine.Scheduler().Schedule(ctx)
	if err != nil {
		klog.FromContext(ctx).Error(err, "Scheduling step stopped early")
	}
	if out == nil {
		return
	}
	if len(out.Admitted)+len(out.Preempted)+len(out.Aborted) > 0 {
		klog.FromContext(ctx).V(logging.VERBOSE).Info("Scheduled step", "running", len(out.Running),
			"admitted", len(out.Admitted), "swappedIn", len(out.SwappedIn),
			"preempted", len(out.Preempted), "aborted", len(out.Aborted))
	}
}

type addSequenceRequest struct {
	ID       blockmanager.SequenceID `json:"id"`
	Tokens   []uint32                `json:"tokens"`
	ExtraKey string                  `json:"extraKey,omitempty"`
}

type scoreRequest struct {
	Tokens   []uint32 `json:"tokens"`
	ExtraKey string   `json:"extraKey,omitempty"`
	Engines  []string `json:"engines,omitempty"`
}

func setupHTTPEndpoints(ctx context.Context, engine *kvcache.Engine) *http.Server {
	logger := klog.FromContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /sequences", func(w http.ResponseWriter, r *http.Request) {
		var req addSequenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(req.Tokens) == 0 {
			http.Error(w, "field 'tokens' required", http.StatusBadRequest)
			return
		}

		seq := blockmanager.NewSequence(req.ID, req.Tokens, time.Now())
		seq.ExtraKey = req.ExtraKey
		if err := engine.Scheduler().AddSequence(seq); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("DELETE /sequences/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid sequence id", http.StatusBadRequest)
			return
		}
		if err := engine.Scheduler().Finish(r.Context(), blockmanager.SequenceID(id)); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /score", func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		scores, err := engine.ScorePeers(r.Context(), req.Tokens, req.ExtraKey, req.Engines)
		if err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(scores); err != nil {
			logger.Error(err, "failed to encode response")
		}
	})

	httpPort := env.GetEnvString(envHTTPPort, defaultHTTPPort, logger)
	server := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           mux,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      1 * time.Minute,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "HTTP server error")
		}
	}()

	return server
}
