package slogging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// RedactionAction defines how sensitive data should be handled
type RedactionAction string

const (
	// RedactionOmit removes the field entirely from logs
	RedactionOmit RedactionAction = "omit"
	// RedactionObfuscate replaces the value with [REDACTED]
	RedactionObfuscate RedactionAction = "obfuscate"
	// RedactionPartial keeps a few leading and trailing characters
	RedactionPartial RedactionAction = "partial"
)

const redacted = "[REDACTED]"

// RedactionRule matches attribute keys against a pattern
type RedactionRule struct {
	FieldPattern string          `yaml:"field_pattern" json:"field_pattern"`
	Action       RedactionAction `yaml:"action" json:"action"`

	compiled *regexp.Regexp
}

// RedactionConfig holds all redaction rules
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled" json:"enabled"`
	Rules   []RedactionRule `yaml:"rules" json:"rules"`
}

// DefaultRedactionConfig redacts bearer tokens, secrets and cookies
func DefaultRedactionConfig() RedactionConfig {
	return RedactionConfig{
		Enabled: true,
		Rules: []RedactionRule{
			{FieldPattern: "(?i)(authorization|bearer|token|jwt)", Action: RedactionPartial},
			{FieldPattern: "(?i)(password|secret|api_key|private_key)", Action: RedactionOmit},
			{FieldPattern: "(?i)(cookie|set-cookie)", Action: RedactionPartial},
		},
	}
}

// CompileRules compiles regex patterns for all rules
func (rc *RedactionConfig) CompileRules() error {
	for i := range rc.Rules {
		pattern, err := regexp.Compile(rc.Rules[i].FieldPattern)
		if err != nil {
			return fmt.Errorf("failed to compile redaction pattern '%s': %w", rc.Rules[i].FieldPattern, err)
		}
		rc.Rules[i].compiled = pattern
	}
	return nil
}

func (rc *RedactionConfig) match(key string) (RedactionAction, bool) {
	for _, rule := range rc.Rules {
		if rule.compiled != nil && rule.compiled.MatchString(key) {
			return rule.Action, true
		}
	}
	return "", false
}

// partialRedactValue keeps a recognisable prefix and suffix of a secret
func partialRedactValue(value string) string {
	if len(value) <= 12 {
		return redacted
	}
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return value[:7] + partialRedactValue(value[7:])
	}
	if strings.Count(value, ".") == 2 && strings.HasPrefix(value, "eyJ") {
		parts := strings.Split(value, ".")
		header, signature := parts[0], parts[2]
		if len(header) > 8 {
			header = header[:8] + "...REDACTED..."
		}
		if len(signature) > 4 {
			signature = "...REDACTED..." + signature[len(signature)-4:]
		}
		return header + ".REDACTED." + signature
	}

	start, end := 6, 4
	if len(value) < start+end+10 {
		start, end = 3, 2
	}
	return value[:start] + "...REDACTED..." + value[len(value)-end:]
}

func applyAction(action RedactionAction, value string) (string, bool) {
	switch action {
	case RedactionOmit:
		return "", false
	case RedactionObfuscate:
		return redacted, true
	case RedactionPartial:
		return partialRedactValue(value), true
	default:
		return value, true
	}
}

// redactionHandler wraps another slog.Handler to apply redaction rules
type redactionHandler struct {
	handler slog.Handler
	config  RedactionConfig
}

// NewRedactionHandler creates a new redaction handler
func NewRedactionHandler(handler slog.Handler, config RedactionConfig) (slog.Handler, error) {
	if err := config.CompileRules(); err != nil {
		return nil, err
	}
	return &redactionHandler{handler: handler, config: config}, nil
}

func (h *redactionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *redactionHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.config.Enabled {
		return h.handler.Handle(ctx, record)
	}

	out := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		if a, keep := h.redact(attr); keep {
			out.AddAttrs(a)
		}
		return true
	})
	return h.handler.Handle(ctx, out)
}

func (h *redactionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	kept := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		if a, keep := h.redact(attr); keep {
			kept = append(kept, a)
		}
	}
	return &redactionHandler{handler: h.handler.WithAttrs(kept), config: h.config}
}

func (h *redactionHandler) WithGroup(name string) slog.Handler {
	return &redactionHandler{handler: h.handler.WithGroup(name), config: h.config}
}

func (h *redactionHandler) redact(attr slog.Attr) (slog.Attr, bool) {
	if !h.config.Enabled {
		return attr, true
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		kept := make([]slog.Attr, 0, len(group))
		for _, a := range group {
			if r, keep := h.redact(a); keep {
				kept = append(kept, r)
			}
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(kept...)}, true
	}
	action, ok := h.config.match(attr.Key)
	if !ok {
		return attr, true
	}
	value, keep := applyAction(action, attr.Value.String())
	return slog.String(attr.Key, value), keep
}

// SanitizeLogMessage flattens control whitespace so one call produces one log
// line
func SanitizeLogMessage(message string) string {
	message = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(message)
	return strings.Join(strings.Fields(message), " ")
}

// RedactSensitiveInfo masks a free-form string that looks like a credential
func RedactSensitiveInfo(input string) string {
	if input == "" {
		return input
	}
	lower := strings.ToLower(input)
	if strings.HasPrefix(lower, "bearer ") || (strings.Count(input, ".") == 2 && strings.HasPrefix(input, "eyJ")) {
		return partialRedactValue(input)
	}
	return input
}

// RedactHeaders returns a copy of headers with credential headers masked
func RedactHeaders(headers map[string][]string) map[string][]string {
	if headers == nil {
		return nil
	}
	sensitive := map[string]bool{
		"authorization": true,
		"cookie":        true,
		"set-cookie":    true,
	}

	out := make(map[string][]string, len(headers))
	for key, values := range headers {
		masked := make([]string, len(values))
		for i, value := range values {
			if sensitive[strings.ToLower(key)] {
				masked[i] = partialRedactValue(value)
			} else {
				masked[i] = RedactSensitiveInfo(value)
			}
		}
		out[key] = masked
	}
	return out
}
