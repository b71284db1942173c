// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the scheduler's instruments. All names carry the
// "gridsched_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// TasksExecuted counts task runs by task template and event.
	TasksExecuted metric.Int64Counter

	// TaskDuration records task body time in seconds.
	TaskDuration metric.Float64Histogram

	// ExecuteDuration records whole-timestep execution time in seconds.
	ExecuteDuration metric.Float64Histogram

	// PhaseTime records per-execute time split by category (send, recv,
	// test, wait, task, reduce).
	PhaseTime metric.Float64Histogram

	// MessageBytes counts bytes sent between ranks.
	MessageBytes metric.Int64Counter

	// QueueLength records ready-queue lengths seen at selection, by queue.
	QueueLength metric.Int64Histogram

	// StageTransitions counts device pipeline steps by stage.
	StageTransitions metric.Int64Counter

	// Reductions counts completed reductions by variable.
	Reductions metric.Int64Counter

	// Failures counts fatal errors by kind.
	Failures metric.Int64Counter
}

// NewMetrics registers every scheduler instrument with meter.
//
// Inputs:
//
//	meter - The OTel meter to register with.
//
// Outputs:
//
//	*Metrics - Instruments ready for use.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksExecuted, err = meter.Int64Counter(
		"gridsched_tasks_executed_total",
		metric.WithDescription("Task runs by template and event"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks_executed_total: %w", err)
	}

	m.TaskDuration, err = meter.Float64Histogram(
		"gridsched_task_duration_seconds",
		metric.WithDescription("Task body duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create task_duration: %w", err)
	}

	m.ExecuteDuration, err = meter.Float64Histogram(
		"gridsched_execute_duration_seconds",
		metric.WithDescription("Timestep execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create execute_duration: %w", err)
	}

	m.PhaseTime, err = meter.Float64Histogram(
		"gridsched_execute_time_seconds",
		metric.WithDescription("Per-execute time spent by category"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create execute_time: %w", err)
	}

	m.MessageBytes, err = meter.Int64Counter(
		"gridsched_message_bytes_total",
		metric.WithDescription("Bytes sent to other ranks"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create message_bytes_total: %w", err)
	}

	m.QueueLength, err = meter.Int64Histogram(
		"gridsched_queue_length",
		metric.WithDescription("Ready queue length at selection"),
		metric.WithUnit("{task}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 4, 8, 16, 32, 64, 128, 256),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue_length: %w", err)
	}

	m.StageTransitions, err = meter.Int64Counter(
		"gridsched_device_stage_transitions_total",
		metric.WithDescription("Device pipeline steps by stage"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create device_stage_transitions_total: %w", err)
	}

	m.Reductions, err = meter.Int64Counter(
		"gridsched_reductions_total",
		metric.WithDescription("Completed cross-rank reductions"),
		metric.WithUnit("{reduction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reductions_total: %w", err)
	}

	m.Failures, err = meter.Int64Counter(
		"gridsched_failures_total",
		metric.WithDescription("Fatal errors by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create failures_total: %w", err)
	}

	return m, nil
}
