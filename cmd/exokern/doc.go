// Package main boots an exokern kernel.
//
// The file system is populated from a host image directory and a boot
// manifest, the first environment spawns init, and init spawns every boot
// table entry. The kernel runs until no environment is runnable or the
// process is signalled.
//
// Configuration:
//   - Environment variables (KERNEL_*, BOOT_*, STATUS_*, LOG_*)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Boot the demonstration programs
//	./exokern
//
//	# Boot from a manifest with preemption and a status server
//	./exokern -manifest boot.yaml -quantum 16 -status -port 8070
//
//	# Load an image directory built with mkprog
//	./exokern -image ./image -include 'bin/**'
//
// Signals:
//   - SIGINT, SIGTERM: stop dispatching and exit
package main
