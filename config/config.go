// Package config loads YAML configuration through viper and pushes reloads
// to registered listeners when the backing file changes.
package config

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a configuration has been reloaded
// and validated. oldConfig is nil on first load.
type ConfigChangeListener interface {
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
}
