// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raptorsetup_pipeline_runs_total",
			Help: "Installation runs by final status",
		},
		[]string{"status"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raptorsetup_pipeline_run_duration_seconds",
			Help:    "Wall time of a full installation run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raptorsetup_pipeline_steps_total",
			Help: "Pipeline steps by name and outcome",
		},
		[]string{"step", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raptorsetup_pipeline_step_duration_seconds",
			Help:    "Duration of individual pipeline steps",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"step"},
	)

	warningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raptorsetup_pipeline_degraded_steps_total",
			Help: "Non-fatal step failures that let the run continue",
		},
		[]string{"step"},
	)
)

var tracer = otel.Tracer("raptorsetup.pipeline")
