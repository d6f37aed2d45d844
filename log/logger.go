// Package log is a small structured logger with a chained event API.
package log

import (
	"sync/atomic"

	"github.com/lcx/peerlink/config"
)

// Logger starts events at a level and receives them back when they are
// finished. Events below the logger's level are nil.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[NodeLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

// SetDefaultLogger replaces the logger behind the package level functions.
func SetDefaultLogger(logger *NodeLogger) {
	_defaultLogger.Store(logger)
}

// DefaultLogger returns the logger behind the package level functions.
func DefaultLogger() *NodeLogger {
	return _defaultLogger.Load()
}

// InitializeWithConfigManager loads the "logger" config on top of the
// defaults and installs a hot-reloading default logger.
func InitializeWithConfigManager(cm config.ConfigManager) error {
	if cm == nil {
		return nil
	}
	cfg := DefaultLogCfg()
	if err := cm.LoadConfig("logger", cfg); err != nil && !config.IsFileMissing(err) {
		return err
	}
	SetDefaultLogger(NewLoggerWithConfigManager(cfg, cm))
	return nil
}

// Initialize uses the process wide config manager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

// AddAppender adds an output to the default logger.
func AddAppender(appender LogAppender) {
	_defaultLogger.Load().AddAppender(appender)
}

// Refresh refreshes every appender of the default logger, e.g. after an
// external log rotation.
func Refresh() {
	_defaultLogger.Load().Refresh()
}

// Debug starts a debug event on the default logger.
func Debug() *LogEvent { return _defaultLogger.Load().Debug() }

// Info starts an info event on the default logger.
func Info() *LogEvent { return _defaultLogger.Load().Info() }

// Warn starts a warn event on the default logger.
func Warn() *LogEvent { return _defaultLogger.Load().Warn() }

// Error starts an error event on the default logger.
func Error() *LogEvent { return _defaultLogger.Load().Error() }

// Fatal starts a fatal event on the default logger. Finishing it panics.
func Fatal() *LogEvent { return _defaultLogger.Load().Fatal() }
