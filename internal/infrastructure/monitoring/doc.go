/*
Package monitoring provides metrics collection for the kernel.

# Overview

This package implements Prometheus-based metrics for one kernel instance:
dispatches, preemptions, system calls, IPC send outcomes, environment faults,
free frames and pipe close-check races. Each Metrics value owns a private
registry, so any number of kernels can live in one process.

# Usage

	metrics := monitoring.NewMetrics()
	k := kernel.New(kernel.Config{Metrics: metrics})

	// Expose on the status server
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
