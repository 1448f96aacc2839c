package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the process-global zerolog logger for arbord. Logs always
// go to stdout; when path is non-empty they are duplicated into that file so
// operators tailing the box and supervisors capturing stdout see the same
// stream. An unparseable level falls back to info rather than failing
// startup.
func Setup(level, path string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	sinks := []io.Writer{os.Stdout}
	if path != "" {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			sinks = append(sinks, f)
		} else {
			log.Warn().Err(err).Str("path", path).Msg("log_file_unavailable")
		}
	}
	var out io.Writer = sinks[0]
	if len(sinks) > 1 {
		out = zerolog.MultiLevelWriter(sinks...)
	}

	lvl := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(level)); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil && parsed != zerolog.NoLevel {
			lvl = parsed
		} else {
			log.Warn().Str("level", raw).Msg("unknown_log_level")
		}
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = zerolog.New(out).With().
		Timestamp().
		Str("service", "arbord").
		Logger()
}
