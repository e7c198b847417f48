package main

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/radassist/chexray-api/internal/config"
	"github.com/radassist/chexray-api/internal/handlers"
	"github.com/radassist/chexray-api/internal/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("configuration invalid")
	}

	log := newLogger(cfg)

	mdl := model.Load(cfg.ModelPath, log)
	if mdl.Status().Degraded() {
		log.Warn().Str("reason", mdl.Status().Reason).
			Msg("running in fallback mode: predictions are NOT clinically meaningful")
	}

	handler := handlers.NewHandler(mdl, log)

	log.Info().Str("port", cfg.Port).Strs("origins", cfg.AllowedOrigins).
		Str("model_mode", string(mdl.Status().Mode)).
		Msg("server starting")

	if err := http.ListenAndServe(":"+cfg.Port, handler.Routes(cfg.AllowedOrigins)); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
		}
	}
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "chexray-api").Logger()
}
