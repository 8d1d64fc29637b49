package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GenerationSummary is the loggable view of a resolved generation.
type GenerationSummary struct {
	Model     string
	Sampler   string
	Scheduler string
	Steps     int
	CFGScale  float64
	Seed      int64
	Width     int
	Height    int
	LoRAs     int
	Images    int
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (g GenerationSummary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("model", g.Model)
	if g.Sampler != "" {
		enc.AddString("sampler", g.Sampler)
	}
	if g.Scheduler != "" {
		enc.AddString("scheduler", g.Scheduler)
	}
	enc.AddInt("steps", g.Steps)
	enc.AddFloat64("cfg_scale", g.CFGScale)
	enc.AddInt64("seed", g.Seed)
	enc.AddInt("width", g.Width)
	enc.AddInt("height", g.Height)
	if g.LoRAs > 0 {
		enc.AddInt("loras", g.LoRAs)
	}
	if g.Images > 0 {
		enc.AddInt("images", g.Images)
	}
	return nil
}

// GenerationField wraps a GenerationSummary as a single "generation" object field.
//
// Example:
//
//	logger.Info("generation complete", logging.GenerationField(summary))
func GenerationField(g GenerationSummary) zap.Field {
	return zap.Object("generation", g)
}

// RequestFields returns the fields that identify a queued request in logs.
func RequestFields(requestID, mode string) []zap.Field {
	return []zap.Field{
		zap.String("request_id", requestID),
		zap.String("mode", mode),
	}
}

// TimingFields returns start, end and duration fields for a finished step.
func TimingFields(start, end time.Time) []zap.Field {
	return []zap.Field{
		zap.Time("start_time", start),
		zap.Time("end_time", end),
		zap.Duration("duration", end.Sub(start)),
	}
}
