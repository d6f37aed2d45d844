package plugin

import (
	"errors"
	"time"
)

const _pluginCfgName = "plugin"

// PluginCfg controls which plugins the manager runs.
type PluginCfg struct {
	// Disabled plugins are skipped by StartAll. Plugins depending on a
	// disabled one fail to start.
	Disabled []string `mapstructure:"disabled"`

	// StopTimeoutMillSec bounds each plugin's Stop. A plugin that overruns
	// is recorded as failed and StopAll moves on.
	StopTimeoutMillSec int `mapstructure:"stopTimeoutMillSec"`
}

// DefaultPluginCfg enables every plugin with a 5s stop timeout.
func DefaultPluginCfg() *PluginCfg {
	return &PluginCfg{StopTimeoutMillSec: 5000}
}

// GetName implements config.Config.
func (c *PluginCfg) GetName() string { return _pluginCfgName }

// Validate implements config.Config.
func (c *PluginCfg) Validate() error {
	if c.StopTimeoutMillSec <= 0 {
		return errors.New("stopTimeoutMillSec must be positive")
	}
	return nil
}

// StopTimeout is StopTimeoutMillSec as a duration.
func (c *PluginCfg) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMillSec) * time.Millisecond
}

func (c *PluginCfg) disabled(name string) bool {
	for _, d := range c.Disabled {
		if d == name {
			return true
		}
	}
	return false
}
