// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package htcondor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commandDuration *prometheus.SummaryVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		commandDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  "crabdag",
			Subsystem:  "scheduler",
			Name:       "command_duration_seconds",
			Help:       "Time taken by scheduler commands.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"command", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.commandDuration)
	}
	return m
}

func (m *metrics) observeCommand(prog string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.commandDuration.WithLabelValues(prog, result).Observe(elapsed.Seconds())
}
