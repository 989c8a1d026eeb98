package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/cadence/sym"
)

// The glyph goes into the symbol field, never the message, so logs stay
// queryable by subsystem:
//
//	log := logger.AddPulseSymbol(logger.ComponentLogger("pulse.pass"))
//	log.Infow("Pass complete", logger.FieldPassID, id)

// WithSymbol tags l with a subsystem glyph from sym.
func WithSymbol(l *zap.SugaredLogger, glyph string) *zap.SugaredLogger {
	return l.With(FieldSymbol, glyph)
}

// AddPulseSymbol tags pass, dispatch and polling logs (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.Pulse)
}

// AddPulseOpenSymbol tags startup logs (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.PulseOpen)
}

// AddPulseCloseSymbol tags shutdown logs (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.PulseClose)
}

func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.DB)
}

func AddLogSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.Log)
}
