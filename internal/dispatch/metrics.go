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

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts dispatcher activity.
type Metrics struct {
	Dispatched  *prometheus.CounterVec
	Retries     prometheus.Counter
	AckTimeouts prometheus.Counter
	Unavailable prometheus.Counter
	QueueDepth  prometheus.GaugeFunc
}

// NewMetrics registers dispatcher metrics on the given registerer. A nil
// registerer uses the default one.
func NewMetrics(reg prometheus.Registerer, queue *Queue) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowd",
			Subsystem: "dispatch",
			Name:      "sent_total",
			Help:      "Dispatches sent to workers, by outcome.",
		}, []string{"outcome"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowd",
			Subsystem: "dispatch",
			Name:      "selection_retries_total",
			Help:      "Dispatches requeued because no worker was eligible.",
		}),
		AckTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowd",
			Subsystem: "dispatch",
			Name:      "ack_timeouts_total",
			Help:      "Dispatches reset because the worker never acknowledged.",
		}),
		Unavailable: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowd",
			Subsystem: "dispatch",
			Name:      "unavailable_total",
			Help:      "Dispatches failed with E.DISPATCH.UNAVAILABLE.",
		}),
		QueueDepth: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "flowd",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Current dispatch queue depth.",
		}, func() float64 { return float64(queue.Len()) }),
	}
}
