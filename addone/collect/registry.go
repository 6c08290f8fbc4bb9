package collect

import "sync"

var (
	registryMu sync.RWMutex
	registry   = map[string]CollectPlugin{
		"default": &DefaultPlugin{},
	}
)

// Register 注册采集插件
func Register(name string, plugin CollectPlugin) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = plugin
}

// Get 获取指定平台的采集插件
func Get(name string) CollectPlugin {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if p, ok := registry[name]; ok {
		return p
	}
	return registry["default"]
}

// Names 返回已注册的平台名（含 default）
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
