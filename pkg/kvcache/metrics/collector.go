// Copyright 2025 The llm-d Authors.
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

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// BlockAllocations counts fresh block allocations per device tier.
	BlockAllocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "allocator", Name: "allocations_total",
		Help: "Total number of fresh KV-block allocations",
	}, []string{"tier"})
	// BlockEvictions counts evictions of cached blocks per device tier.
	BlockEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "allocator", Name: "evictions_total",
		Help: "Total number of cached KV-block evictions",
	}, []string{"tier"})
	// PrefixCacheHits counts blocks served by content-hash reuse.
	PrefixCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "allocator", Name: "prefix_cache_hits_total",
		Help: "Number of KV-blocks reused through their content hash",
	}, []string{"tier"})
	// PoolBlocks reports the size of each allocator partition per engine.
	PoolBlocks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvcache", Subsystem: "allocator", Name: "blocks",
		Help: "Number of KV-blocks per allocator partition",
	}, []string{"engine", "tier", "state"})

	// Preemptions counts sequences preempted by the scheduler.
	Preemptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "scheduler", Name: "preemptions_total",
		Help: "Total number of preempted sequences",
	}, []string{"mode"})
	// AbortedSequences counts sequences aborted by the scheduler.
	AbortedSequences = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "scheduler", Name: "aborted_sequences_total",
		Help: "Total number of sequences aborted by the scheduler",
	})
	// StepLatency logs latency of scheduling steps.
	StepLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvcache", Subsystem: "scheduler", Name: "step_latency_seconds",
		Help:    "Latency of scheduling steps in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TransferBlocks counts blocks moved by the cache engine per operation.
	TransferBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "cache_engine", Name: "transfer_blocks_total",
		Help: "Total number of KV-blocks copied or swapped",
	}, []string{"op"})
	// TransferFailures counts failed cache engine transfers per operation.
	TransferFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "cache_engine", Name: "transfer_failures_total",
		Help: "Total number of failed KV-block transfers",
	}, []string{"op"})

	// DiscoveryLatency logs latency of peer discovery.
	DiscoveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvcache", Subsystem: "coordinator", Name: "discovery_latency_seconds",
		Help:    "Latency of peer discovery in seconds",
		Buckets: prometheus.DefBuckets,
	})
	// DiscoveryFallbacks counts discoveries served by the direct-address path.
	DiscoveryFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "coordinator", Name: "discovery_fallbacks_total",
		Help: "Number of discoveries that fell back to a direct address",
	})
	// HandshakeFailures counts failed transfer handshakes.
	HandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "coordinator", Name: "handshake_failures_total",
		Help: "Number of failed transfer handshakes",
	})

	// IndexAdmissions counts keys admitted to the block-locality index.
	IndexAdmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "index", Name: "admissions_total",
		Help: "Total number of KV-block admissions to the locality index",
	})
	// IndexEvictions counts entries removed from the block-locality index.
	IndexEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "index", Name: "evictions_total",
		Help: "Total number of KV-block evictions from the locality index",
	})
	// IndexLookupRequests counts how many Lookup() calls have been made.
	IndexLookupRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "index", Name: "lookup_requests_total",
		Help: "Total number of lookup calls",
	})
	// IndexLookupLatency logs latency of lookup calls.
	IndexLookupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvcache", Subsystem: "index", Name: "lookup_latency_seconds",
		Help:    "Latency of Lookup calls in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		BlockAllocations, BlockEvictions, PrefixCacheHits, PoolBlocks,
		Preemptions, AbortedSequences, StepLatency,
		TransferBlocks, TransferFailures,
		DiscoveryLatency, DiscoveryFallbacks, HandshakeFailures,
		IndexAdmissions, IndexEvictions, IndexLookupRequests, IndexLookupLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval until ctx is done. Pool gauges are read for the given engine.
func StartMetricsLogging(ctx context.Context, interval time.Duration, engine string, tiers ...string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx, engine, tiers)
			}
		}
	}()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func logMetrics(ctx context.Context, engine string, tiers []string) {
	logger := klog.FromContext(ctx).WithName("metrics")

	for _, tier := range tiers {
		logger.Info("allocator beat",
			"engine", engine,
			"tier", tier,
			"allocations", counterValue(BlockAllocations.WithLabelValues(tier)),
			"evictions", counterValue(BlockEvictions.WithLabelValues(tier)),
			"prefix_hits", counterValue(PrefixCacheHits.WithLabelValues(tier)),
			"free", gaugeValue(PoolBlocks.WithLabelValues(engine, tier, "free")),
			"allocated", gaugeValue(PoolBlocks.WithLabelValues(engine, tier, "allocated")),
			"evictable", gaugeValue(PoolBlocks.WithLabelValues(engine, tier, "evictable")),
		)
	}

	var latency dto.Metric
	if err := StepLatency.Write(&latency); err != nil {
		return
	}
	stepCount := latency.GetHistogram().GetSampleCount()
	stepSum := latency.GetHistogram().GetSampleSum()
	stepAvg := 0.0
	if stepCount > 0 {
		stepAvg = stepSum / float64(stepCount)
	}

	logger.Info("scheduler beat",
		"preemptions_recompute", counterValue(Preemptions.WithLabelValues("recompute")),
		"preemptions_swap", counterValue(Preemptions.WithLabelValues("swap")),
		"aborted", counterValue(AbortedSequences),
		"steps", stepCount,
		"step_latency_avg", stepAvg,
	)
}
