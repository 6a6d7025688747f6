// Package logging builds the zap loggers used across the fetch
// pipeline.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development mode gives colored
// console output, production mode structured JSON. appID, when set, is
// attached as a base field so fetch logs can be correlated with the
// owning application's serving daemons.
func New(development bool, appID string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	// A fetch run is short and log volume is bounded by the batch size;
	// sampling would drop individual attempt records.
	cfg.Sampling = nil

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if appID != "" {
		logger = logger.With(zap.String("app_id", appID))
	}
	return logger, nil
}
