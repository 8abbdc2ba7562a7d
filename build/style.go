package build

import (
	"fmt"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

const (
	ansiReset   = "\033[0m"
	ansiBold    = "\033[1m"
	ansiFaint   = "\033[2m"
	ansiRed     = "\033[31m"
	ansiGreen   = "\033[32m"
	ansiYellow  = "\033[33m"
	ansiMagenta = "\033[35m"
	ansiCyan    = "\033[36m"
)

// levelColors maps each log level to the color its tag is printed in.
var levelColors = map[btclogv1.Level]string{
	btclogv1.LevelTrace:    ansiFaint,
	btclogv1.LevelDebug:    ansiCyan,
	btclogv1.LevelInfo:     ansiGreen,
	btclogv1.LevelWarn:     ansiYellow,
	btclogv1.LevelError:    ansiRed,
	btclogv1.LevelCritical: ansiBold + ansiRed,
}

// styleLevel renders the level tag in its color.
func styleLevel(level btclogv1.Level) string {
	color, ok := levelColors[level]
	if !ok {
		return fmt.Sprintf("[%v]", level)
	}

	return fmt.Sprintf("%s[%v]%s", color, level, ansiReset)
}

// styleCallSite renders the call site faint.
func styleCallSite(file string, line int) string {
	return fmt.Sprintf("%s%s:%d%s", ansiFaint, file, line, ansiReset)
}

// styleKey renders attribute keys in magenta.
func styleKey(key string) string {
	return ansiMagenta + key + ansiReset
}

// styledOutput returns the handler options that color the console output.
func styledOutput() []btclog.HandlerOption {
	return []btclog.HandlerOption{
		btclog.WithStyledLevel(styleLevel),
		btclog.WithStyledCallSite(styleCallSite),
		btclog.WithStyledKeys(styleKey),
	}
}
