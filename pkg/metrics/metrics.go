/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the prometheus collectors shared by the controller
// agent and node agent's FSM-handler run loops.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Subsystem is the prometheus subsystem name every collector below is
// registered under.
const Subsystem = "pav_agent"

var (
	// HandlerRunsTotal counts every FSM handler invocation, broken down by
	// which engine ran it ("provisioning" or "staging"), the FSM state's
	// name, and whether it returned an error.
	HandlerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: Subsystem,
			Name:      "handler_runs_total",
			Help:      "Total number of FSM handler invocations, by engine, state and outcome.",
		},
		[]string{"engine", "state", "outcome"},
	)

	// HandlerDurationSeconds observes how long each handler invocation
	// took, by engine and state name.
	HandlerDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: Subsystem,
			Name:      "handler_duration_seconds",
			Help:      "Latency in seconds of FSM handler invocations, by engine and state.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"engine", "state"},
	)

	// ManagedObjectsTotal gauges how many claims (engine="provisioning") or
	// (pod, claim) pairs (engine="staging") currently have a running
	// managing goroutine.
	ManagedObjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: Subsystem,
			Name:      "managed_objects",
			Help:      "Number of objects with a currently running FSM-managing goroutine, by engine.",
		},
		[]string{"engine"},
	)
)

// Collectors lists every collector in this package, for a single
// prometheus.MustRegister call site.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		HandlerRunsTotal,
		HandlerDurationSeconds,
		ManagedObjectsTotal,
	}
}

// ObserveHandlerRun records one handler invocation's outcome and duration.
func ObserveHandlerRun(engine, state string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	HandlerRunsTotal.WithLabelValues(engine, state, outcome).Inc()
	HandlerDurationSeconds.WithLabelValues(engine, state).Observe(time.Since(start).Seconds())
}
