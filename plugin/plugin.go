package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Plugin is a node service with a start/stop lifecycle. Dependencies name
// the plugins that must be running before this one starts.
type Plugin interface {
	Name() string
	Dependencies() []string
	Start(ctx context.Context) error
	Stop() error
}

// PluginStatus plugin status
type PluginStatus int

// Plugin statuses as reported by PluginInfo.
const (
	PluginStatusRegistered PluginStatus = iota
	PluginStatusStarted
	PluginStatusStopped
	PluginStatusDisabled
	PluginStatusError
)

// String returns the lower case status name.
func (s PluginStatus) String() string {
	switch s {
	case PluginStatusRegistered:
		return "registered"
	case PluginStatusStarted:
		return "started"
	case PluginStatusStopped:
		return "stopped"
	case PluginStatusDisabled:
		return "disabled"
	case PluginStatusError:
		return "error"
	default:
		return fmt.Sprintf("PluginStatus(%d)", int(s))
	}
}

// PluginInfo is a snapshot of one registered plugin.
type PluginInfo struct {
	Name         string
	Status       PluginStatus
	Dependencies []string
	// StartTime and StopTime are zero until the plugin first started or
	// stopped.
	StartTime time.Time
	StopTime  time.Time
	// Error is the last lifecycle failure.
	Error error
}

// Errors returned by PluginManager.
var (
	ErrPluginNotFound     = errors.New("plugin not found")
	ErrCircularDependency = errors.New("circular plugin dependency")
)

// PluginError records which lifecycle step of which plugin failed.
type PluginError struct {
	Plugin string
	// Op is "start" or "stop".
	Op  string
	Err error
}

// NewPluginError wraps err as the failure of op on plugin name.
func NewPluginError(name, op string, err error) *PluginError {
	return &PluginError{Plugin: name, Op: op, Err: err}
}

// Error implements error.
func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s %s failed: %v", e.Plugin, e.Op, e.Err)
}

// Unwrap returns the plugin's own error.
func (e *PluginError) Unwrap() error { return e.Err }

// Func adapts a pair of functions to Plugin. A nil start or stop is a no-op.
type Func struct {
	PluginName string
	DependsOn  []string
	OnStart    func(ctx context.Context) error
	OnStop     func() error
}

// Name returns PluginName.
func (f *Func) Name() string { return f.PluginName }

// Dependencies returns DependsOn.
func (f *Func) Dependencies() []string { return f.DependsOn }

// Start calls OnStart.
func (f *Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

// Stop calls OnStop.
func (f *Func) Stop() error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop()
}
