// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logstore

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// logStoreMetrics is the per-LogStore metric set, built the same way the
// teacher's walMetrics is: one promauto.With(reg) call per instrument so
// tests can pass a throwaway registry and avoid collisions between stores.
type logStoreMetrics struct {
	appends              prometheus.Counter
	appendBytes           prometheus.Counter
	appendLatencySeconds  prometheus.Histogram
	reads                 prometheus.Counter
	readBytes             prometheus.Counter
	readLatencySeconds    prometheus.Histogram
	truncations           *prometheus.CounterVec
	rollbacks             prometheus.Counter
	flushSyncWaits        prometheus.Counter
}

func newLogStoreMetrics(reg prometheus.Registerer, storeID uint32) *logStoreMetrics {
	labels := prometheus.Labels{"store_id": formatStoreID(storeID)}
	return &logStoreMetrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "logstore_appends_total",
			Help:        "appends counts the number of append_async/write_async calls issued by this store.",
			ConstLabels: labels,
		}),
		appendBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "logstore_append_bytes_total",
			Help:        "append_bytes counts the payload bytes handed to the journal by this store.",
			ConstLabels: labels,
		}),
		appendLatencySeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:        "logstore_append_latency_seconds",
			Help:        "append_latency_seconds observes time from append_async issue to completion callback.",
			ConstLabels: labels,
		}),
		reads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "logstore_reads_total",
			Help:        "reads counts calls to read_sync.",
			ConstLabels: labels,
		}),
		readBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "logstore_read_bytes_total",
			Help:        "read_bytes counts payload bytes returned by read_sync.",
			ConstLabels: labels,
		}),
		readLatencySeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:        "logstore_read_latency_seconds",
			Help:        "read_latency_seconds observes the latency of a synchronous journal read.",
			ConstLabels: labels,
		}),
		truncations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "logstore_truncations_total",
				Help:        "truncations counts local truncate calls, by whether a device truncation pass was also requested.",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		rollbacks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "logstore_rollbacks_total",
			Help:        "rollbacks counts completed rollback_async calls.",
			ConstLabels: labels,
		}),
		flushSyncWaits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "logstore_flush_sync_waits_total",
			Help:        "flush_sync_waits counts flush_sync calls that had to block on the condition variable.",
			ConstLabels: labels,
		}),
	}
}

// familyMetrics is the per-LogStoreFamily metric set.
type familyMetrics struct {
	deviceTruncations     prometheus.Counter
	deviceTruncateMinIdx   prometheus.Gauge
	batchCompletions       prometheus.Counter
	storesOpen             prometheus.Gauge
}

func newFamilyMetrics(reg prometheus.Registerer, familyID string) *familyMetrics {
	labels := prometheus.Labels{"family_id": familyID}
	return &familyMetrics{
		deviceTruncations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "logstore_family_device_truncations_total",
			Help:        "device_truncations counts completed do_device_truncate passes.",
			ConstLabels: labels,
		}),
		deviceTruncateMinIdx: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "logstore_family_device_truncate_min_idx",
			Help:        "device_truncate_min_idx is the journal idx chosen as the safe device truncation point on the last pass.",
			ConstLabels: labels,
		}),
		batchCompletions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "logstore_family_batch_completions_total",
			Help:        "batch_completions counts flush-batch boundaries dispatched to member stores.",
			ConstLabels: labels,
		}),
		storesOpen: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "logstore_family_stores_open",
			Help:        "stores_open is the current count of open log stores in this family.",
			ConstLabels: labels,
		}),
	}
}

func formatStoreID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
