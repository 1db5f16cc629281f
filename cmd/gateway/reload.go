package main

import (
	"context"
	"reflect"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// startConfigWatcher watches the configuration file. Only the log level is
// applied at runtime; any other change is reported and waits for a restart.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.GatewayConfig) {
		applyReload(app, newCfg, logger)
	}, config.WithLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}

// applyReload applies the reloadable part of newCfg and reports whether
// anything else changed.
func applyReload(app *application, newCfg *config.GatewayConfig, logger observability.Logger) bool {
	if lvl := newCfg.Logging.Level; lvl != "" && lvl != logger.Level() {
		if err := logger.SetLevel(lvl); err != nil {
			logger.Error("failed to apply log level", observability.Error(err))
		} else {
			logger.Info("log level changed", observability.String("level", lvl))
		}
	}

	current := *app.config
	next := *newCfg
	current.Logging = config.LoggingConfig{}
	next.Logging = config.LoggingConfig{}
	if reflect.DeepEqual(current, next) {
		return false
	}

	logger.Warn("configuration changed beyond logging; restart to apply")
	return true
}
