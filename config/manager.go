package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager interface for configuration management
type ConfigManager interface {
	LoadConfig(configName string, config Config) error
	GetConfig(configName string) (Config, error)
	SetBasePath(path string)
	SetEnvironment(env string)
	AddChangeListener(listener ConfigChangeListener)
	RemoveChangeListener(listener ConfigChangeListener)
	NotifyConfigChanged(configName string, newConfig, oldConfig Config)
	Close() error
}

// ErrConfigNotFound is returned by GetConfig for names that were never loaded.
var ErrConfigNotFound = errors.New("config not found")

// IsFileMissing reports whether err came from LoadConfig finding no file for
// the config. Callers usually fall back to defaults then.
func IsFileMissing(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf)
}

// configManager implementation of ConfigManager interface
type configManager struct {
	mu        sync.RWMutex
	configs   map[string]Config
	files     map[string]string
	watchers  map[string]*fsnotify.Watcher
	listeners []ConfigChangeListener
	lmu       sync.RWMutex
	basePath  string
	env       string
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() ConfigManager {
	return &configManager{
		configs:  make(map[string]Config),
		files:    make(map[string]string),
		watchers: make(map[string]*fsnotify.Watcher),
		basePath: "./configs",
		env:      "development",
	}
}

func (cm *configManager) newViper(configName string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.AddConfigPath(filepath.Join(cm.basePath, cm.env))

	// environment overrides, e.g. MANAGER_MAXUSERS
	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// LoadConfig reads <basePath>/<configName>.yaml on top of whatever values
// config already carries, validates it and starts watching the file.
func (cm *configManager) LoadConfig(configName string, config Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	v := cm.newViper(configName)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("validate config failed: %w", err)
	}

	cm.configs[configName] = config
	cm.files[configName] = v.ConfigFileUsed()

	if err := cm.watchConfigFile(configName, v.ConfigFileUsed()); err != nil {
		return fmt.Errorf("watch config file failed: %w", err)
	}
	return nil
}

// GetConfig returns the last successfully loaded value for configName.
func (cm *configManager) GetConfig(configName string) (Config, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[configName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configName)
	}
	return config, nil
}

// SetBasePath sets base path for configuration files
func (cm *configManager) SetBasePath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.basePath = path
}

// SetEnvironment sets environment for configuration
func (cm *configManager) SetEnvironment(env string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.env = env
}

// AddChangeListener add config change listener
func (cm *configManager) AddChangeListener(listener ConfigChangeListener) {
	cm.lmu.Lock()
	defer cm.lmu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveChangeListener remove config change listener
func (cm *configManager) RemoveChangeListener(listener ConfigChangeListener) {
	cm.lmu.Lock()
	defer cm.lmu.Unlock()
	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			return
		}
	}
}

// NotifyConfigChanged fans a change out to every listener. A failing listener
// does not stop the others.
func (cm *configManager) NotifyConfigChanged(configName string, newConfig, oldConfig Config) {
	cm.lmu.RLock()
	listeners := make([]ConfigChangeListener, len(cm.listeners))
	copy(listeners, cm.listeners)
	cm.lmu.RUnlock()

	for _, l := range listeners {
		if err := l.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
			fmt.Fprintf(os.Stderr, "config listener failed for %s: %v\n", configName, err)
		}
	}
}

// watchConfigFile watches the directory holding file so that editors which
// replace the file instead of writing in place still trigger a reload.
func (cm *configManager) watchConfigFile(configName string, file string) error {
	if file == "" {
		return nil
	}
	if old, ok := cm.watchers[configName]; ok {
		_ = old.Close()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	cm.watchers[configName] = watcher

	target := filepath.Clean(file)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					cm.reloadConfig(configName)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "config watcher error: %v\n", err)
			}
		}
	}()

	return watcher.Add(filepath.Dir(target))
}

// reloadConfig re-reads configName into a copy of the current value. The old
// value stays in place when the new file cannot be read or fails validation.
func (cm *configManager) reloadConfig(configName string) {
	cm.mu.Lock()
	oldConfig, exists := cm.configs[configName]
	if !exists {
		cm.mu.Unlock()
		return
	}

	// start from a copy of the old value so defaults not present in the file survive
	rv := reflect.New(reflect.TypeOf(oldConfig).Elem())
	rv.Elem().Set(reflect.ValueOf(oldConfig).Elem())
	newConfig := rv.Interface().(Config)

	v := cm.newViper(configName)
	if err := v.ReadInConfig(); err != nil {
		cm.mu.Unlock()
		fmt.Fprintf(os.Stderr, "reloadConfig: failed to read config %s: %v\n", configName, err)
		return
	}
	if err := v.Unmarshal(newConfig); err != nil {
		cm.mu.Unlock()
		fmt.Fprintf(os.Stderr, "reloadConfig: failed to unmarshal config %s: %v\n", configName, err)
		return
	}
	if err := newConfig.Validate(); err != nil {
		cm.mu.Unlock()
		fmt.Fprintf(os.Stderr, "reloadConfig: validation failed for config %s: %v\n", configName, err)
		return
	}
	if reflect.DeepEqual(oldConfig, newConfig) {
		cm.mu.Unlock()
		return
	}

	cm.configs[configName] = newConfig
	cm.mu.Unlock()

	cm.NotifyConfigChanged(configName, newConfig, oldConfig)
}

// Close closes the configuration manager
func (cm *configManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var errs []error
	for name, watcher := range cm.watchers {
		if err := watcher.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(cm.watchers, name)
	}
	return errors.Join(errs...)
}
