package log

import "fmt"

// LogCfg configures the default logger. It is loaded under the name "logger"
// and reloaded in place when the file changes.
type LogCfg struct {
	// LogPath is the file written by the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is one of trace, debug, info, warn, error, fatal.
	LogLevel string `mapstructure:"level"`

	// FileSplitMB rotates the log file once it grows past this size. 0 disables rotation.
	FileSplitMB int `mapstructure:"splitmb"`

	// CallerSkip adds frames to skip when resolving the caller, for wrappers.
	CallerSkip int `mapstructure:"callerSkip"`

	// FileAppender writes to LogPath. Toggling it rebuilds the appenders.
	FileAppender bool `mapstructure:"fileAppender"`

	// ConsoleAppender writes to stdout.
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// EnabledCallerInfo adds the calling file, line and function to every
	// line. It costs a runtime.Caller per event, cached by program counter.
	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName implements config.Config.
func (cfg *LogCfg) GetName() string {
	return "logger"
}

// Validate implements config.Config. The level must parse and a file
// appender needs a path.
func (cfg *LogCfg) Validate() error {
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("path cannot be empty when fileAppender is on")
	}
	if cfg.FileSplitMB < 0 {
		return fmt.Errorf("splitmb cannot be negative")
	}
	return nil
}

func (cfg *LogCfg) level() Level {
	lv, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return InfoLevel
	}
	return lv
}

// DefaultLogCfg logs info and above to stdout only. CallerSkip accounts for
// the package level wrappers.
func DefaultLogCfg() *LogCfg {
	return &LogCfg{
		LogPath:         "./peerlink.log",
		LogLevel:        "info",
		FileSplitMB:     50,
		CallerSkip:      1,
		ConsoleAppender: true,
	}
}
