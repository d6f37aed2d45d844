package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/peerlink/config"
)

// journal records lifecycle calls across plugins in call order.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

func testPlugin(j *journal, name string, deps ...string) *Func {
	return &Func{
		PluginName: name,
		DependsOn:  deps,
		OnStart: func(ctx context.Context) error {
			j.add("start " + name)
			return nil
		},
		OnStop: func() error {
			j.add("stop " + name)
			return nil
		},
	}
}

func TestStartAllDependencyOrder(t *testing.T) {
	j := &journal{}
	pm := NewPluginManager(nil)
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "status", "net")))
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "net", "config")))
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "config")))
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "discovery", "net")))

	require.NoError(t, pm.StartAll(context.Background()))
	assert.Equal(t, []string{"start config", "start net", "start discovery", "start status"}, j.list())

	for _, info := range pm.ListPlugins() {
		assert.Equal(t, PluginStatusStarted, info.Status, info.Name)
		assert.False(t, info.StartTime.IsZero())
	}

	require.NoError(t, pm.StopAll())
	assert.Equal(t, []string{
		"start config", "start net", "start discovery", "start status",
		"stop status", "stop discovery", "stop net", "stop config",
	}, j.list())

	info, err := pm.GetPluginInfo("net")
	require.NoError(t, err)
	assert.Equal(t, PluginStatusStopped, info.Status)
}

func TestRegisterPluginRejects(t *testing.T) {
	pm := NewPluginManager(nil)
	assert.Error(t, pm.RegisterPlugin(nil))
	assert.Error(t, pm.RegisterPlugin(&Func{}))
	require.NoError(t, pm.RegisterPlugin(&Func{PluginName: "a"}))
	assert.Error(t, pm.RegisterPlugin(&Func{PluginName: "a"}))

	_, err := pm.GetPluginInfo("missing")
	assert.ErrorIs(t, err, ErrPluginNotFound)
	assert.ErrorIs(t, pm.UnregisterPlugin("missing"), ErrPluginNotFound)
	assert.Nil(t, pm.GetPlugin("missing"))
}

func TestStartAllDependencyErrors(t *testing.T) {
	pm := NewPluginManager(nil)
	require.NoError(t, pm.RegisterPlugin(&Func{PluginName: "a", DependsOn: []string{"b"}}))
	require.NoError(t, pm.RegisterPlugin(&Func{PluginName: "b", DependsOn: []string{"a"}}))
	assert.ErrorIs(t, pm.StartAll(context.Background()), ErrCircularDependency)

	pm = NewPluginManager(nil)
	require.NoError(t, pm.RegisterPlugin(&Func{PluginName: "a", DependsOn: []string{"ghost"}}))
	assert.ErrorIs(t, pm.StartAll(context.Background()), ErrPluginNotFound)
}

func TestStartAllRollsBackOnFailure(t *testing.T) {
	j := &journal{}
	boom := errors.New("bind failed")
	pm := NewPluginManager(nil)
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "a")))
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "b", "a")))
	require.NoError(t, pm.RegisterPlugin(&Func{
		PluginName: "c",
		DependsOn:  []string{"b"},
		OnStart:    func(context.Context) error { return boom },
	}))

	err := pm.StartAll(context.Background())
	require.ErrorIs(t, err, boom)
	var perr *PluginError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "c", perr.Plugin)
	assert.Equal(t, "start", perr.Op)

	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, j.list())
	info, _ := pm.GetPluginInfo("c")
	assert.Equal(t, PluginStatusError, info.Status)
	assert.ErrorIs(t, info.Error, boom)
}

func TestDisabledPlugin(t *testing.T) {
	j := &journal{}
	cfg := DefaultPluginCfg()
	cfg.Disabled = []string{"statusapi"}
	pm := NewPluginManager(cfg)
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "net")))
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "statusapi", "net")))

	require.NoError(t, pm.StartAll(context.Background()))
	assert.Equal(t, []string{"start net"}, j.list())
	info, _ := pm.GetPluginInfo("statusapi")
	assert.Equal(t, PluginStatusDisabled, info.Status)

	// depending on a disabled plugin fails
	cfg = DefaultPluginCfg()
	cfg.Disabled = []string{"net"}
	pm = NewPluginManager(cfg)
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "net")))
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "statusapi", "net")))
	assert.Error(t, pm.StartAll(context.Background()))
}

func TestStartStopSinglePlugin(t *testing.T) {
	j := &journal{}
	pm := NewPluginManager(nil)
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "net")))
	require.NoError(t, pm.RegisterPlugin(testPlugin(j, "statusapi", "net")))

	// dependency not running yet
	assert.Error(t, pm.StartPlugin(context.Background(), "statusapi"))
	require.NoError(t, pm.StartPlugin(context.Background(), "net"))
	assert.Error(t, pm.StartPlugin(context.Background(), "net"))
	require.NoError(t, pm.StartPlugin(context.Background(), "statusapi"))

	// still required by statusapi
	assert.Error(t, pm.StopPlugin("net"))
	require.NoError(t, pm.StopPlugin("statusapi"))
	assert.Error(t, pm.StopPlugin("statusapi"))
	require.NoError(t, pm.StopPlugin("net"))

	// unregister stops a running plugin
	require.NoError(t, pm.StartPlugin(context.Background(), "net"))
	require.NoError(t, pm.UnregisterPlugin("net"))
	assert.Equal(t, "stop net", j.list()[len(j.list())-1])
	assert.Len(t, pm.ListPlugins(), 1)
}

func TestStopTimeout(t *testing.T) {
	cfg := DefaultPluginCfg()
	cfg.StopTimeoutMillSec = 20
	pm := NewPluginManager(cfg)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, pm.RegisterPlugin(&Func{
		PluginName: "slow",
		OnStop: func() error {
			<-release
			return nil
		},
	}))
	require.NoError(t, pm.StartAll(context.Background()))

	begin := time.Now()
	err := pm.StopAll()
	assert.Error(t, err)
	assert.Less(t, time.Since(begin), time.Second)
	info, _ := pm.GetPluginInfo("slow")
	assert.Equal(t, PluginStatusError, info.Status)
}

func TestPluginCfgFromConfigManager(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"),
		[]byte("disabled:\n  - statusapi\n"), 0o644))

	cm := config.NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(dir)

	pm, err := NewPluginManagerWithConfigManager(cm)
	require.NoError(t, err)
	impl := pm.(*pluginManager)
	assert.Equal(t, []string{"statusapi"}, impl.cfg.Disabled)
	assert.Equal(t, 5000, impl.cfg.StopTimeoutMillSec)

	require.NoError(t, impl.OnConfigChanged("plugin", &PluginCfg{StopTimeoutMillSec: 10}, impl.cfg))
	assert.Empty(t, impl.cfg.Disabled)
	assert.Error(t, impl.OnConfigChanged("plugin", &PluginCfg{}, impl.cfg))
	assert.NoError(t, impl.OnConfigChanged("other", nil, nil))

	// no file means defaults
	cm2 := config.NewConfigManager()
	defer cm2.Close()
	cm2.SetBasePath(t.TempDir())
	_, err = NewPluginManagerWithConfigManager(cm2)
	assert.NoError(t, err)
}
