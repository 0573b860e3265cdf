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

package devcache

import "github.com/prometheus/client_golang/prometheus"

// metricsSet holds the per-device instrumentation. Each Cache
// gets its own set, labeled by device name, so a process running
// several devices (one CPU cache plus N GPU caches) reports them
// distinctly.
type metricsSet struct {
	hits           prometheus.Counter
	misses         prometheus.Counter
	evictions      prometheus.Counter
	insertFailures prometheus.Counter
	bytesResident  prometheus.Gauge
}

var (
	hitsVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annlite",
		Subsystem: "devcache",
		Name:      "hits_total",
		Help:      "Device cache lookups that found a resident artifact.",
	}, []string{"device"})
	missesVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annlite",
		Subsystem: "devcache",
		Name:      "misses_total",
		Help:      "Device cache lookups that found nothing resident.",
	}, []string{"device"})
	evictionsVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annlite",
		Subsystem: "devcache",
		Name:      "evictions_total",
		Help:      "Artifacts evicted to satisfy a watermark or capacity change.",
	}, []string{"device"})
	insertFailuresVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annlite",
		Subsystem: "devcache",
		Name:      "insert_failures_total",
		Help:      "Inserts rejected because the artifact alone exceeds the watermarked capacity.",
	}, []string{"device"})
	bytesResidentVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "annlite",
		Subsystem: "devcache",
		Name:      "bytes_resident",
		Help:      "Bytes currently resident in the device cache.",
	}, []string{"device"})
)

func init() {
	prometheus.MustRegister(hitsVec, missesVec, evictionsVec, insertFailuresVec, bytesResidentVec)
}

func newMetricsSet(device string) *metricsSet {
	return &metricsSet{
		hits:           hitsVec.WithLabelValues(device),
		misses:         missesVec.WithLabelValues(device),
		evictions:      evictionsVec.WithLabelValues(device),
		insertFailures: insertFailuresVec.WithLabelValues(device),
		bytesResident:  bytesResidentVec.WithLabelValues(device),
	}
}
