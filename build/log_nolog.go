//go:build nolog
// +build nolog

package build

// LoggingType is a log type that outputs no logs.
const LoggingType = LogTypeNone
