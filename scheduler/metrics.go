// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annlite",
		Subsystem: "scheduler",
		Name:      "tasks_total",
		Help:      "Tasks reaching a terminal state, by kind and outcome.",
	}, []string{"kind", "outcome"})
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "annlite",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Tasks waiting in each resource's FIFO queue.",
	}, []string{"resource"})
	placementSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "annlite",
		Subsystem: "scheduler",
		Name:      "placement_seconds",
		Help:      "Time spent in the pass chain per submitted task.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 6),
	})
	workerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "annlite",
		Subsystem: "scheduler",
		Name:      "worker_panics_total",
		Help:      "Resource workers lost to a panic in task execution.",
	})
)

func init() {
	prometheus.MustRegister(tasksTotal, queueDepth, placementSeconds, workerPanics)
}
