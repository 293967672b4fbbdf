// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package submit

import (
	"time"

	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	submissions *prometheus.CounterVec
	duration    prometheus.Summary
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crabdag",
			Subsystem: "submit",
			Name:      "tasks_total",
			Help:      "Number of task submissions, by mode and result.",
		}, []string{"mode", "result"}),
		duration: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  "crabdag",
			Subsystem:  "submit",
			Name:       "duration_seconds",
			Help:       "Time taken to compile and submit a task.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submissions, m.duration)
	}
	return m
}

// observe records a submission. The result label is "success" or the
// error kind.
func (m *metrics) observe(mode htcondor.Mode, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = string(crab.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	if mode == "" {
		mode = "unknown"
	}
	m.submissions.WithLabelValues(string(mode), result).Inc()
	m.duration.Observe(elapsed.Seconds())
}
