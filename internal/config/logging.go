package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries the full LLM
// request and response payloads: dialogue prompts, judge verdict
// bodies, and extractor output before parsing. The value -8 matches
// how other slog-based projects slot a Trace level under Debug.
//
// A session at trace level logs every model round-trip in full, so
// keep it for short diagnostic runs only.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps the log_level config string to an [slog.Level].
// Matching is case-insensitive and ignores surrounding whitespace; an
// empty string means info. "warning" is accepted as an alias for
// "warn". Anything else is an error naming the valid set.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is a ReplaceAttr hook that prints [LevelTrace]
// as "TRACE". slog only knows its four built-in level names and would
// otherwise print the trace level as "DEBUG-4". Wire it into the
// handler options alongside the level:
//
//	slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level:       lvl,
//	    ReplaceAttr: config.ReplaceLogLevelNames,
//	})
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
