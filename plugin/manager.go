package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lcx/peerlink/config"
	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
)

// PluginManager starts and stops the node's plugins in dependency order.
type PluginManager interface {
	// RegisterPlugin register plugin
	RegisterPlugin(plugin Plugin) error

	// UnregisterPlugin stops the plugin if needed and forgets it.
	UnregisterPlugin(name string) error

	// StartAll starts every enabled plugin, dependencies first. The first
	// failure stops what was already started.
	StartAll(ctx context.Context) error

	// StopAll stops the started plugins in reverse start order.
	StopAll() error

	// StartPlugin starts one plugin; its dependencies must be running.
	StartPlugin(ctx context.Context, name string) error
	// StopPlugin stops one plugin.
	StopPlugin(name string) error

	// GetPlugin returns the plugin registered as name, or nil.
	GetPlugin(name string) Plugin
	// GetPluginInfo returns a snapshot of the plugin's status.
	GetPluginInfo(name string) (*PluginInfo, error)

	// ListPlugins lists all plugins ordered by name.
	ListPlugins() []PluginInfo
}

type pluginManager struct {
	plugins map[string]Plugin
	infos   map[string]*PluginInfo
	started []string
	cfg     *PluginCfg
	mu      sync.Mutex
}

// NewPluginManager create new plugin manager
func NewPluginManager(cfg *PluginCfg) PluginManager {
	if cfg == nil {
		cfg = DefaultPluginCfg()
	}
	return &pluginManager{
		plugins: make(map[string]Plugin),
		infos:   make(map[string]*PluginInfo),
		cfg:     cfg,
	}
}

// NewPluginManagerWithConfigManager loads the "plugin" config, falling back
// to defaults when no file exists, and follows later changes.
func NewPluginManagerWithConfigManager(cm config.ConfigManager) (PluginManager, error) {
	cfg := DefaultPluginCfg()
	if err := cm.LoadConfig(_pluginCfgName, cfg); err != nil && !config.IsFileMissing(err) {
		return nil, fmt.Errorf("load plugin config failed: %w", err)
	}
	pm := NewPluginManager(cfg).(*pluginManager)
	cm.AddChangeListener(pm)
	return pm, nil
}

// OnConfigChanged applies a new disabled list and stop timeout. Running
// plugins are not touched until the next StartAll/StopAll.
func (pm *pluginManager) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != _pluginCfgName {
		return nil
	}
	newCfg, ok := newConfig.(*PluginCfg)
	if !ok {
		return fmt.Errorf("invalid config type: expected *PluginCfg, got %T", newConfig)
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid plugin configuration: %w", err)
	}
	pm.mu.Lock()
	pm.cfg = newCfg
	pm.mu.Unlock()
	log.Info().Strs("disabled", newCfg.Disabled).Msg("plugin configuration updated")
	return nil
}

// RegisterPlugin register plugin
func (pm *pluginManager) RegisterPlugin(plugin Plugin) error {
	if plugin == nil {
		return fmt.Errorf("plugin cannot be nil")
	}
	name := plugin.Name()
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[name]; exists {
		return fmt.Errorf("plugin %s already registered", name)
	}
	pm.plugins[name] = plugin
	pm.infos[name] = &PluginInfo{
		Name:         name,
		Status:       PluginStatusRegistered,
		Dependencies: plugin.Dependencies(),
	}

	log.Info().Str("name", name).Strs("dependencies", plugin.Dependencies()).Msg("plugin registered")
	return nil
}

// UnregisterPlugin stop and forget plugin
func (pm *pluginManager) UnregisterPlugin(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	plugin, exists := pm.plugins[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if pm.isStarted(name) {
		if err := pm.stopOne(name, plugin); err != nil {
			log.Error().Str("name", name).Err(err).Msg("failed to stop plugin during unregister")
		}
	}
	delete(pm.plugins, name)
	delete(pm.infos, name)

	log.Info().Str("name", name).Msg("plugin unregistered")
	return nil
}

// StartAll start all enabled plugins in dependency order
func (pm *pluginManager) StartAll(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	order, err := pm.resolveDependencies()
	if err != nil {
		return fmt.Errorf("failed to resolve dependencies: %w", err)
	}
	log.Info().Strs("order", order).Msg("starting plugins in order")

	for _, name := range order {
		if pm.isStarted(name) {
			continue
		}
		if pm.cfg.disabled(name) {
			pm.infos[name].Status = PluginStatusDisabled
			log.Info().Str("name", name).Msg("plugin disabled")
			continue
		}
		if err := pm.startOne(ctx, name); err != nil {
			pm.stopAllLocked()
			return err
		}
	}
	return nil
}

// StopAll stop started plugins in reverse order
func (pm *pluginManager) StopAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stopAllLocked()
}

func (pm *pluginManager) stopAllLocked() error {
	var first error
	for i := len(pm.started) - 1; i >= 0; i-- {
		name := pm.started[i]
		if err := pm.stopOne(name, pm.plugins[name]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// StartPlugin start specified plugin
func (pm *pluginManager) StartPlugin(ctx context.Context, name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[name]; !exists {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if pm.isStarted(name) {
		return fmt.Errorf("plugin %s already started", name)
	}
	return pm.startOne(ctx, name)
}

// StopPlugin stop specified plugin
func (pm *pluginManager) StopPlugin(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	plugin, exists := pm.plugins[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if !pm.isStarted(name) {
		return fmt.Errorf("plugin %s not started", name)
	}
	for _, other := range pm.started {
		for _, dep := range pm.plugins[other].Dependencies() {
			if dep == name {
				return fmt.Errorf("plugin %s is required by running plugin %s", name, other)
			}
		}
	}
	return pm.stopOne(name, plugin)
}

// startOne requires every dependency to be running already.
func (pm *pluginManager) startOne(ctx context.Context, name string) error {
	plugin := pm.plugins[name]
	info := pm.infos[name]
	for _, dep := range plugin.Dependencies() {
		if !pm.isStarted(dep) {
			err := fmt.Errorf("dependency %s is not running", dep)
			info.Status = PluginStatusError
			info.Error = err
			return NewPluginError(name, "start", err)
		}
	}

	log.Info().Str("name", name).Msg("starting plugin")
	begin := time.Now()
	if err := plugin.Start(ctx); err != nil {
		info.Status = PluginStatusError
		info.Error = err
		return NewPluginError(name, "start", err)
	}
	metrics.RecordStopwatchWithDimGroup("plugin", "start_duration", begin, metrics.Dimension{"plugin": name})

	info.Status = PluginStatusStarted
	info.StartTime = time.Now()
	info.Error = nil
	pm.started = append(pm.started, name)
	metrics.UpdateGaugeWithGroup("plugin", "started", metrics.Value(len(pm.started)))

	log.Info().Str("name", name).Msg("plugin started")
	return nil
}

// stopOne gives the plugin StopTimeout to return. A plugin that overruns is
// marked failed and left to finish in the background.
func (pm *pluginManager) stopOne(name string, plugin Plugin) error {
	info := pm.infos[name]
	log.Info().Str("name", name).Msg("stopping plugin")

	done := make(chan error, 1)
	go func() { done <- plugin.Stop() }()

	timer := time.NewTimer(pm.cfg.StopTimeout())
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = fmt.Errorf("stop timed out after %v", pm.cfg.StopTimeout())
	}

	pm.removeStarted(name)
	metrics.UpdateGaugeWithGroup("plugin", "started", metrics.Value(len(pm.started)))
	info.StopTime = time.Now()
	if err != nil {
		info.Status = PluginStatusError
		info.Error = err
		log.Error().Str("name", name).Err(err).Msg("failed to stop plugin")
		return NewPluginError(name, "stop", err)
	}
	info.Status = PluginStatusStopped
	log.Info().Str("name", name).Msg("plugin stopped")
	return nil
}

func (pm *pluginManager) isStarted(name string) bool {
	for _, s := range pm.started {
		if s == name {
			return true
		}
	}
	return false
}

func (pm *pluginManager) removeStarted(name string) {
	for i, s := range pm.started {
		if s == name {
			pm.started = append(pm.started[:i], pm.started[i+1:]...)
			return
		}
	}
}

// GetPlugin get plugin instance
func (pm *pluginManager) GetPlugin(name string) Plugin {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.plugins[name]
}

// GetPluginInfo get plugin information
func (pm *pluginManager) GetPluginInfo(name string) (*PluginInfo, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	info, exists := pm.infos[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	infoCopy := *info
	return &infoCopy, nil
}

// ListPlugins list all plugins
func (pm *pluginManager) ListPlugins() []PluginInfo {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	infos := make([]PluginInfo, 0, len(pm.infos))
	for _, info := range pm.infos {
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// resolveDependencies returns a start order where every plugin follows its
// dependencies. Names are visited sorted so the order is stable.
func (pm *pluginManager) resolveDependencies() ([]string, error) {
	visited := make(map[string]bool)
	tempVisited := make(map[string]bool)
	result := make([]string, 0, len(pm.plugins))

	var visit func(string) error
	visit = func(name string) error {
		if tempVisited[name] {
			return fmt.Errorf("%w involving plugin %s", ErrCircularDependency, name)
		}
		if visited[name] {
			return nil
		}
		tempVisited[name] = true

		plugin, exists := pm.plugins[name]
		if !exists {
			return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
		}
		for _, dep := range plugin.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}

		tempVisited[name] = false
		visited[name] = true
		result = append(result, name)
		return nil
	}

	names := make([]string, 0, len(pm.plugins))
	for name := range pm.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return result, nil
}
