// Package logging provides structured logging using uber/zap.
//
// Production builds write JSON, development builds write colored console
// lines. Logs go to stderr by default so they never interleave with the
// simulated console on stdout.
//
// Example Usage:
//
//	logger, err := logging.New(logging.Config{Level: "debug"})
//	logger.Info("Environment created", logging.EnvID(0x1001))
//	logger.Warn("User fault", logging.EnvID(id), zap.Error(err))
package logging
