package log

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/peerlink/config"
)

// NodeLogger writes structured JSON lines to a set of appenders.
//
//	logger := NewLogger(&LogCfg{LogLevel: "info", ConsoleAppender: true})
//	logger.Info().Str("peer", addr).Int("users", n).Msg("session established")
//
// Level and appenders can be swapped at runtime through OnConfigChanged.
type NodeLogger struct {
	mu                sync.RWMutex
	appenders         []LogAppender
	minLevel          atomic.Uint32
	callerSkip        atomic.Int32
	enabledCallerInfo atomic.Bool
	eventPool         sync.Pool
	callerCache       sync.Map
}

// NewLogger builds a logger from cfg, or from DefaultLogCfg when cfg is nil.
func NewLogger(cfg *LogCfg) *NodeLogger {
	if cfg == nil {
		cfg = DefaultLogCfg()
	}
	logger := &NodeLogger{}
	logger.eventPool.New = func() any { return newEvent(logger) }
	logger.apply(cfg)
	logger.appenders = buildAppenders(cfg)
	return logger
}

// NewLoggerWithConfigManager builds a logger and subscribes it to changes of
// the "logger" config.
func NewLoggerWithConfigManager(cfg *LogCfg, cm config.ConfigManager) *NodeLogger {
	logger := NewLogger(cfg)
	if cm != nil {
		cm.AddChangeListener(logger)
	}
	return logger
}

func buildAppenders(cfg *LogCfg) []LogAppender {
	var appenders []LogAppender
	if cfg.FileAppender {
		appenders = append(appenders, NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		appenders = append(appenders, NewConsoleAppender())
	}
	return appenders
}

func (x *NodeLogger) apply(cfg *LogCfg) {
	x.minLevel.Store(uint32(cfg.level()))
	x.callerSkip.Store(int32(cfg.CallerSkip))
	x.enabledCallerInfo.Store(cfg.EnabledCallerInfo)
}

// OnConfigChanged implements config.ConfigChangeListener.
func (x *NodeLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil
	}
	newCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}
	x.apply(newCfg)

	oldCfg, _ := oldConfig.(*LogCfg)
	if oldCfg != nil && oldCfg.FileAppender == newCfg.FileAppender &&
		oldCfg.ConsoleAppender == newCfg.ConsoleAppender {
		for _, a := range x.GetAppender() {
			if l, ok := a.(config.ConfigChangeListener); ok {
				if err := l.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
					x.Error().Err(err).Msg("appender rejected config change")
				}
			}
		}
		return nil
	}

	appenders := buildAppenders(newCfg)
	x.mu.Lock()
	old := x.appenders
	x.appenders = appenders
	x.mu.Unlock()
	for _, a := range old {
		_ = a.Close()
	}
	return nil
}

// AddAppender adds an output. It is dropped when a config change rebuilds
// the appender set.
func (x *NodeLogger) AddAppender(appender LogAppender) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns a copy of the current outputs.
func (x *NodeLogger) GetAppender() []LogAppender {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]LogAppender, len(x.appenders))
	copy(out, x.appenders)
	return out
}

// Refresh refreshes every appender.
func (x *NodeLogger) Refresh() {
	for _, a := range x.GetAppender() {
		a.Refresh()
	}
}

// Close closes every appender.
func (x *NodeLogger) Close() error {
	var first error
	for _, a := range x.GetAppender() {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Level is the lowest level written.
func (x *NodeLogger) Level() Level {
	return Level(x.minLevel.Load())
}

// SetLevel changes the lowest level written until the next config change.
func (x *NodeLogger) SetLevel(l Level) {
	x.minLevel.Store(uint32(l))
}

// Debug starts a debug event, nil when filtered.
func (x *NodeLogger) Debug() *LogEvent { return x.log(DebugLevel) }

// Info starts an info event, nil when filtered.
func (x *NodeLogger) Info() *LogEvent { return x.log(InfoLevel) }

// Warn starts a warn event, nil when filtered.
func (x *NodeLogger) Warn() *LogEvent { return x.log(WarnLevel) }

// Error starts an error event, nil when filtered.
func (x *NodeLogger) Error() *LogEvent { return x.log(ErrorLevel) }

// Fatal events panic after being written.
func (x *NodeLogger) Fatal() *LogEvent { return x.log(FatalLevel) }

// OnEventEnd writes the finished line and recycles the event.
func (x *NodeLogger) OnEventEnd(e *LogEvent) {
	line := e.buf.Bytes()
	x.mu.RLock()
	for _, a := range x.appenders {
		_, _ = a.Write(line)
	}
	x.mu.RUnlock()

	if e.level == FatalLevel {
		panic(strings.TrimSpace(string(line)))
	}
	x.eventPool.Put(e)
}

type callerInfo struct {
	file     string
	function string
	line     int
}

func (c *callerInfo) String() string {
	return c.file + ":" + strconv.Itoa(c.line) + " " + c.function
}

var _unknownCaller = &callerInfo{file: "???", function: "???"}

// getCallerInfo resolves the caller, keeping only the last directory of the file path.
func (x *NodeLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + int(x.callerSkip.Load()))
	if !ok {
		return _unknownCaller
	}
	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	function := runtime.FuncForPC(pc).Name()
	if i := strings.LastIndexByte(function, '.'); i != -1 {
		function = function[i+1:]
	}
	if last := strings.LastIndexByte(file, '/'); last > 0 {
		if prev := strings.LastIndexByte(file[:last], '/'); prev >= 0 {
			file = file[prev+1:]
		}
	}

	c := &callerInfo{file: file, function: function, line: line}
	x.callerCache.Store(pc, c)
	return c
}

func (x *NodeLogger) log(level Level) *LogEvent {
	if level < x.Level() {
		return nil
	}

	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())
	if x.enabledCallerInfo.Load() {
		e.Str("caller", x.getCallerInfo().String())
	}
	return e
}
