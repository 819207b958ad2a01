package meter

import (
	"log/slog"

	"github.com/ineyio/genquota"
)

// LogMeter logs quota and generation events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ genquota.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnConsume(e genquota.ConsumeEvent) {
	switch {
	case e.Granted:
		m.Logger.Info("consume",
			"grant", e.GrantID,
			"remaining", e.Remaining,
			"resets_at", e.ResetsAt,
			"reset", e.Reset,
			"duration_ms", e.Duration.Milliseconds(),
		)
	case genquota.IsExhausted(e.Error):
		m.Logger.Info("consume_exhausted",
			"resets_at", e.ResetsAt,
			"duration_ms", e.Duration.Milliseconds(),
		)
	default:
		m.Logger.Error("consume_error",
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnGenerate(e genquota.GenerateEvent) {
	if e.Success {
		m.Logger.Info("generate",
			"generator", e.Generator,
			"grant", e.GrantID,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("generate_error",
			"generator", e.Generator,
			"grant", e.GrantID,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
