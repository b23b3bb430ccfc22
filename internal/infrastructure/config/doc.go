// Package config provides 12-factor configuration management for exokern.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Kernel: environment slots, frames, preemption quantum, dispatch pacing
//   - Boot: host image directory, manifest and init program
//   - Server: optional status server
//   - Logging: log level and output format
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Environment Variables:
//   - KERNEL_NENV, KERNEL_NPAGES, KERNEL_QUANTUM, KERNEL_DISPATCH_RATE, KERNEL_IDLE
//   - BOOT_IMAGE, BOOT_INCLUDE, BOOT_MANIFEST, BOOT_INIT
//   - STATUS_ENABLED, STATUS_HOST, STATUS_PORT
//   - LOG_LEVEL, LOG_DEV
package config
