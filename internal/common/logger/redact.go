package logger

import (
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

// RedactEnvVar names the environment variable holding comma-separated
// regexes; every match in a log message or string field value is
// replaced with RedactedPlaceholder before the entry is encoded.
const RedactEnvVar = "AGENTFLEET_REDACT_PATTERNS"

const RedactedPlaceholder = "[REDACTED]"

// redactPatternsFromEnv compiles the configured redaction regexes.
// Patterns that fail to compile are dropped rather than aborting logger
// construction.
func redactPatternsFromEnv() []*regexp.Regexp {
	raw := os.Getenv(RedactEnvVar)
	if raw == "" {
		return nil
	}
	var patterns []*regexp.Regexp
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		re, err := regexp.Compile(part)
		if err != nil {
			continue
		}
		patterns = append(patterns, re)
	}
	return patterns
}

// redactingCore wraps a zapcore.Core, scrubbing configured patterns from
// the entry message and every string-typed field value.
type redactingCore struct {
	zapcore.Core
	patterns []*regexp.Regexp
}

func newRedactingCore(core zapcore.Core, patterns []*regexp.Regexp) zapcore.Core {
	if len(patterns) == 0 {
		return core
	}
	return &redactingCore{Core: core, patterns: patterns}
}

func (c *redactingCore) redact(s string) string {
	for _, re := range c.patterns {
		s = re.ReplaceAllString(s, RedactedPlaceholder)
	}
	return s
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.redactFields(fields)), patterns: c.patterns}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.redact(ent.Message)
	return c.Core.Write(ent, c.redactFields(fields))
}

func (c *redactingCore) redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if f.Type == zapcore.StringType {
			f.String = c.redact(f.String)
		}
		out[i] = f
	}
	return out
}
