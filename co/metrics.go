/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import "github.com/prometheus/client_golang/prometheus"

// Package-wide counters, registered against the default registry so a host
// process's existing /metrics handler picks them up without extra wiring.
// Spec §8 asks for commit/map/push counts to be observable; this is that
// surface, not a substitute for the application's own metrics.
var (
	metricObjectsRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collage",
		Subsystem: "objectstore",
		Name:      "objects_registered_total",
		Help:      "Master objects registered via ObjectStore.Register.",
	})
	metricObjectsMapped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collage",
		Subsystem: "objectstore",
		Name:      "objects_mapped_total",
		Help:      "Slave objects successfully mapped via ObjectStore.Map.",
	})
	metricCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collage",
		Subsystem: "objectstore",
		Name:      "commits_total",
		Help:      "Master commits accepted by LocalNode.Commit.",
	})
	metricPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collage",
		Subsystem: "objectstore",
		Name:      "pushes_total",
		Help:      "ObjectPush frames sent by ObjectStore.Push.",
	})
	metricBarrierEnters = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collage",
		Subsystem: "barrier",
		Name:      "enters_total",
		Help:      "Barrier ENTER requests released by the master side.",
	})
	metricQueueItemsPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collage",
		Subsystem: "queue",
		Name:      "items_pushed_total",
		Help:      "Items enqueued on a QueueMaster.",
	})
	metricQueueItemsPopped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collage",
		Subsystem: "queue",
		Name:      "items_popped_total",
		Help:      "Items dequeued by a QueueSlave.Pop.",
	})
)

func init() {
	prometheus.MustRegister(
		metricObjectsRegistered,
		metricObjectsMapped,
		metricCommits,
		metricPushes,
		metricBarrierEnters,
		metricQueueItemsPushed,
		metricQueueItemsPopped,
	)
}
