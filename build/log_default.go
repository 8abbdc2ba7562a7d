//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

// LoggingType writes to the console and the rotating log file.
const LoggingType = LogTypeDefault
