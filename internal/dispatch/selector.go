// Copyright 2025 The flowd Authors
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

// Package dispatch turns the engine's dispatch requests into deliveries: a
// FIFO queue feeds a loop that selects an eligible worker, validates the
// payload, sends it, and drives the acknowledgement and retry timers.
package dispatch

import (
	"math/rand"
	"sort"
	"time"

	"github.com/meshworks/flowd/internal/protocol"
)

// Selection strategies.
const (
	StrategyDefault       = "default"
	StrategyLeastInflight = "least_inflight"
	StrategyLeastLatency  = "least_latency"
	StrategyRandom        = "random"
)

// Candidate is a point-in-time view of one worker session, produced by the
// session registry.
type Candidate struct {
	WorkerInstanceID string
	WorkerName       string
	Tenant           string
	Connected        bool
	Registered       bool
	Draining         bool
	Healthy          bool
	Inflight         int
	LatencyMs        int64
	QueueDepth       int
	LastHeartbeat    time.Time

	// Packages maps installed package name to version.
	Packages map[string]string
}

// Requirements narrow the eligible worker set for one dispatch.
type Requirements struct {
	PackageName    string
	PackageVersion string

	// Affinity pins the dispatch to a worker name when set.
	Affinity string
}

// Eligible applies the selection predicates: the worker must be connected,
// registered, not draining, heartbeat-fresh, carry the required package, and
// match any affinity pin. Unhealthy workers stay eligible but rank last.
func Eligible(c *Candidate, req Requirements, now time.Time, maxHeartbeatAge time.Duration) bool {
	if !c.Connected || !c.Registered || c.Draining {
		return false
	}
	if !protocol.HeartbeatFresh(c.LastHeartbeat, now, maxHeartbeatAge) {
		return false
	}
	if req.Affinity != "" && c.WorkerName != req.Affinity {
		return false
	}
	if req.PackageName != "" {
		version, ok := c.Packages[req.PackageName]
		if !ok {
			return false
		}
		if req.PackageVersion != "" && version != req.PackageVersion {
			return false
		}
	}
	return true
}

func healthRank(c *Candidate) int {
	if c.Healthy {
		return 0
	}
	return 1
}

// Select picks a worker for a dispatch, or nil when none is eligible. All
// strategies except random are deterministic: ties break on worker name then
// instance id so repeated selection over an unchanged registry is stable.
func Select(strategy string, candidates []Candidate, req Requirements, now time.Time, maxHeartbeatAge time.Duration) *Candidate {
	eligible := make([]*Candidate, 0, len(candidates))
	for i := range candidates {
		if Eligible(&candidates[i], req, now, maxHeartbeatAge) {
			eligible = append(eligible, &candidates[i])
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	if strategy == StrategyRandom {
		return eligible[rand.Intn(len(eligible))]
	}

	less := rankFunc(strategy, now)
	sort.SliceStable(eligible, func(i, j int) bool {
		return less(eligible[i], eligible[j])
	})
	return eligible[0]
}

// rankFunc returns the comparison for a strategy. The default order is
// lexicographic over (healthRank, inflight, latencyMs, heartbeatAge).
func rankFunc(strategy string, now time.Time) func(a, b *Candidate) bool {
	key := func(c *Candidate) [4]int64 {
		switch strategy {
		case StrategyLeastInflight:
			return [4]int64{int64(c.Inflight), int64(healthRank(c)), c.LatencyMs, int64(now.Sub(c.LastHeartbeat))}
		case StrategyLeastLatency:
			return [4]int64{c.LatencyMs, int64(healthRank(c)), int64(c.Inflight), int64(now.Sub(c.LastHeartbeat))}
		default:
			return [4]int64{int64(healthRank(c)), int64(c.Inflight), c.LatencyMs, int64(now.Sub(c.LastHeartbeat))}
		}
	}
	return func(a, b *Candidate) bool {
		ka, kb := key(a), key(b)
		for i := range ka {
			if ka[i] != kb[i] {
				return ka[i] < kb[i]
			}
		}
		if a.WorkerName != b.WorkerName {
			return a.WorkerName < b.WorkerName
		}
		return a.WorkerInstanceID < b.WorkerInstanceID
	}
}
