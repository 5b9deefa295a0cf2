// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes Prometheus counters and a histogram for the trading
// engine's observable operations: position opens/closes, order fills and
// cancellations, liquidations, and sweep latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles every metric the engine updates. Unlike a package of
// bare globals registered in init(), Collector owns its own registry so
// that multiple engines (and tests constructing multiple engines in the
// same process) never collide on MustRegister.
type Collector struct {
	Registry *prometheus.Registry

	OpensTotal        *prometheus.CounterVec // label: side (long|short)
	ClosesTotal       *prometheus.CounterVec // label: reason (trader|stop_loss|take_profit|target)
	LiquidationsTotal prometheus.Counter
	OrdersPlaced      prometheus.Counter
	OrdersCancelled   prometheus.Counter
	OrdersFilled      prometheus.Counter
	SweepDuration     *prometheus.HistogramVec // label: kind (orders|sltp|liq)
	SweepEntriesSeen  *prometheus.CounterVec   // label: kind
}

// New creates a Collector and registers its metrics on a fresh registry.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		OpensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpcore_opens_total",
				Help: "Positions opened, labeled by side.",
			},
			[]string{"side"},
		),
		ClosesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpcore_closes_total",
				Help: "Positions closed, labeled by reason.",
			},
			[]string{"reason"},
		),
		LiquidationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "perpcore_liquidations_total",
				Help: "Positions liquidated for total loss of margin.",
			},
		),
		OrdersPlaced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "perpcore_orders_placed_total",
				Help: "Limit orders placed.",
			},
		),
		OrdersCancelled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "perpcore_orders_cancelled_total",
				Help: "Limit orders cancelled by their trader.",
			},
		),
		OrdersFilled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "perpcore_orders_filled_total",
				Help: "Limit orders promoted to open positions by a sweep.",
			},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perpcore_sweep_duration_seconds",
				Help:    "Wall-clock duration of an executor sweep call, labeled by kind.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		SweepEntriesSeen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpcore_sweep_entries_seen_total",
				Help: "Bucket entries examined by a sweep, labeled by kind.",
			},
			[]string{"kind"},
		),
	}

	c.Registry.MustRegister(
		c.OpensTotal,
		c.ClosesTotal,
		c.LiquidationsTotal,
		c.OrdersPlaced,
		c.OrdersCancelled,
		c.OrdersFilled,
		c.SweepDuration,
		c.SweepEntriesSeen,
	)
	return c
}

// Noop returns a Collector wired to its own throwaway registry, for
// callers (and tests) that do not care about scraping.
func Noop() *Collector {
	return New()
}
