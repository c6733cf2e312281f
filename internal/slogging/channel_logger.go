package slogging

import (
	"context"
	"encoding/json"
	"log/slog"
)

// ChannelLoggingConfig controls frame-level logging of channel traffic
type ChannelLoggingConfig struct {
	Enabled        bool  `yaml:"enabled" env:"DOCSYNC_LOG_FRAMES"`
	RedactTokens   bool  `yaml:"redact_tokens" env:"DOCSYNC_LOG_FRAMES_REDACT"`
	MaxMessageSize int64 `yaml:"max_message_size" env:"DOCSYNC_LOG_FRAMES_MAX_SIZE"`
}

// FrameDirection indicates the direction of a channel frame
type FrameDirection string

const (
	FrameInbound  FrameDirection = "INBOUND"
	FrameOutbound FrameDirection = "OUTBOUND"
)

// LogFrame logs one channel frame at debug level
func (l *Logger) LogFrame(direction FrameDirection, connID, event string, data []byte, config ChannelLoggingConfig) {
	if !config.Enabled || l.level > LogLevelDebug {
		return
	}

	attrs := []slog.Attr{
		slog.String("direction", string(direction)),
		slog.String("conn_id", connID),
		slog.String("event", event),
		slog.Int("size_bytes", len(data)),
	}

	if config.MaxMessageSize > 0 && int64(len(data)) > config.MaxMessageSize {
		attrs = append(attrs, slog.Bool("truncated", true))
		l.slogger.LogAttrs(context.Background(), slog.LevelDebug, "channel frame", attrs...)
		return
	}

	var payload any
	if json.Unmarshal(data, &payload) == nil {
		if config.RedactTokens {
			payload = redactJSONValue(payload)
		}
		attrs = append(attrs, slog.Any("frame", payload))
	} else {
		content := string(data)
		if config.RedactTokens {
			content = RedactSensitiveInfo(content)
		}
		attrs = append(attrs, slog.String("frame_content", content))
	}
	l.slogger.LogAttrs(context.Background(), slog.LevelDebug, "channel frame", attrs...)
}

// LogConnection logs a channel lifecycle event such as connect or drop
func (l *Logger) LogConnection(event, connID, endpoint string, err error) {
	attrs := []slog.Attr{
		slog.String("event", event),
		slog.String("conn_id", connID),
		slog.String("endpoint", endpoint),
	}
	level := slog.LevelInfo
	if err != nil {
		attrs = append(attrs, slog.String("error", SanitizeLogMessage(err.Error())))
		level = slog.LevelWarn
	}
	l.slogger.LogAttrs(context.Background(), level, "channel connection", attrs...)
}

func redactJSONValue(value any) any {
	config := DefaultRedactionConfig()
	if err := config.CompileRules(); err != nil {
		return value
	}
	return redactWith(&config, value)
}

func redactWith(config *RedactionConfig, value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if action, ok := config.match(key); ok {
				s, _ := item.(string)
				if masked, keep := applyAction(action, s); keep {
					out[key] = masked
				}
				continue
			}
			out[key] = redactWith(config, item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactWith(config, item)
		}
		return out
	case string:
		return RedactSensitiveInfo(v)
	default:
		return v
	}
}
