//go:build debug
// +build debug

package build

// LogLevel specifies a default log level of debug.
var LogLevel = "debug"
