package config

import "sync"

var (
	_instance   ConfigManager
	_instanceMu sync.Mutex
)

// GetInstance returns the process wide configuration manager, creating it on first use.
func GetInstance() ConfigManager {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	if _instance == nil {
		_instance = NewConfigManager()
	}
	return _instance
}

// ResetInstance drops the process wide manager. The next GetInstance builds a fresh one.
func ResetInstance() {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	if _instance != nil {
		_ = _instance.Close()
	}
	_instance = nil
}

// SetInstanceForTesting swaps in a caller supplied manager.
func SetInstanceForTesting(cm ConfigManager) {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	_instance = cm
}
