/*
Package monitoring provides Prometheus metrics for the discovery daemon.

# Overview

Metrics is the single sink every component reports to. It satisfies the
small recorder interfaces the domain packages declare, so those packages
never import Prometheus:

  - applier.Recorder: operations per kind and outcome
  - health.Recorder: probes per result, targets per health
  - middleware.Observer: RPC admission, throttling, in-flight and connections
  - view flushes through RecordFlush

# Usage

	metrics := monitoring.NewMetrics(nil)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

Metrics live in their own registry rather than the global default one, so
several instances can coexist in tests.
*/
package monitoring
