// Package logging builds the zap logger shared by every queuecraft process.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SirClappington/queuecraft/internal/config"
)

// New returns a JSON production logger, or a console logger in development.
// process names the binary, e.g. "api".
func New(c config.Config, process string) (*zap.Logger, error) {
	var cfg zap.Config
	if c.Development() {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.InitialFields = map[string]interface{}{
		"service":     c.ServiceName + "-" + process,
		"environment": c.AppEnv,
		"pid":         os.Getpid(),
	}
	return cfg.Build()
}
