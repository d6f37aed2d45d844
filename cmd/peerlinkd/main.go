// Command peerlinkd runs a peerlink node: a TCP login endpoint, the data and
// file transports behind it, and optionally a status API and consul
// registration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lcx/peerlink/config"
	"github.com/lcx/peerlink/discovery"
	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/net"
	"github.com/lcx/peerlink/plugin"
	"github.com/lcx/peerlink/statusapi"
	"github.com/lcx/peerlink/utils"
)

type cli struct {
	ConfigDir string        `help:"Directory holding the yaml configs" default:"./configs" env:"PEERLINK_CONFIG_DIR"`
	Env       string        `help:"Config overlay directory under the config dir" default:"development" env:"PEERLINK_ENV"`
	Listen    string        `help:"TCP login listen address" default:":7700" env:"PEERLINK_LISTEN"`
	Advertise string        `help:"Host advertised to peers and consul" env:"PEERLINK_ADVERTISE"`
	Connect   []string      `help:"Peers (host:port) to log in to at startup" env:"PEERLINK_CONNECT"`
	Discover  bool          `help:"Log in to every healthy peer registered in consul" env:"PEERLINK_DISCOVER"`
	NoFiles   bool          `help:"Do not accept or send file transfers"`
	Timeout   time.Duration `help:"Timeout of each startup login" default:"5s"`
}

// node holds what the plugins share.
type node struct {
	params cli
	cm     config.ConfigManager
	m      *net.Manager
	login  *net.LoginServer2
	client *net.LoginClient2
	reg    *discovery.Registrar
	res    *discovery.Resolver
	api    *statusapi.Server
}

func main() {
	var params cli
	kong.Parse(&params, kong.Description("peerlink node daemon"))

	if err := run(params); err != nil {
		fmt.Fprintf(os.Stderr, "peerlinkd: %v\n", err)
		os.Exit(1)
	}
}

func run(params cli) error {
	cm := config.GetInstance()
	cm.SetBasePath(params.ConfigDir)
	cm.SetEnvironment(params.Env)
	defer cm.Close()

	if err := log.InitializeWithConfigManager(cm); err != nil {
		return fmt.Errorf("init log: %w", err)
	}

	n := &node{params: params, cm: cm}
	pm, err := plugin.NewPluginManagerWithConfigManager(cm)
	if err != nil {
		return err
	}
	for _, p := range n.plugins() {
		if err := pm.RegisterPlugin(p); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pm.StartAll(ctx); err != nil {
		return err
	}
	log.Info().Str("globalId", n.m.Identity().ID.String()).Str("listen", n.login.Addr().String()).Msg("peerlinkd running")

	<-ctx.Done()
	log.Info().Msg("peerlinkd shutting down")
	return pm.StopAll()
}

func (n *node) plugins() []plugin.Plugin {
	return []plugin.Plugin{
		&plugin.Func{PluginName: "net", OnStart: n.startNet, OnStop: n.stopNet},
		&plugin.Func{PluginName: "discovery", DependsOn: []string{"net"}, OnStart: n.startDiscovery, OnStop: n.stopDiscovery},
		&plugin.Func{PluginName: "statusapi", DependsOn: []string{"net"}, OnStart: n.startStatusAPI, OnStop: n.stopStatusAPI},
		&plugin.Func{PluginName: "peers", DependsOn: []string{"net", "discovery"}, OnStart: n.connectPeers},
	}
}

func (n *node) startNet(ctx context.Context) error {
	m, err := net.NewManagerWithConfigManager(n.cm, net.WithEvents(n.events()))
	if err != nil {
		return err
	}
	loginCfg, err := net.LoadLoginCfg(n.cm)
	if err != nil {
		return err
	}
	n.m = m
	n.login = net.NewLoginServer2("login", n.params.Listen, loginCfg)
	n.client = net.NewLoginClient2("login-client", loginCfg)

	data := net.NewDataTransport2("data")
	dataID, err := m.AddConnector(data)
	if err != nil {
		return err
	}
	if err := m.SetDefaultDataTransport(dataID); err != nil {
		return err
	}
	if !n.params.NoFiles {
		ft, err := net.NewFileTransportWithConfigManager(n.cm, "file")
		if err != nil {
			return err
		}
		fileID, err := m.AddConnector(ft)
		if err != nil {
			return err
		}
		if err := m.SetDefaultFileTransport(fileID); err != nil {
			return err
		}
	}
	for _, c := range []net.Connector{n.login, n.client} {
		if _, err := m.AddConnector(c); err != nil {
			return err
		}
	}
	m.SetReconnector(n.client)
	return m.Start(ctx)
}

func (n *node) stopNet() error {
	if n.m == nil {
		return nil
	}
	return n.m.Stop()
}

func (n *node) events() net.ManagerEvents {
	return net.ManagerEvents{
		OnConnectionLost: func(args net.ConnectionLostArgs) {
			log.Warn().Str("connection", args.Connection.String()).Bool("retry", args.Retry).Msg("connection lost")
		},
		OnUserLogout: func(u *net.User) {
			log.Info().Str("user", u.String()).Msg("user logged out")
		},
		OnFileReceived: func(t *net.FileTransportTask, data []byte) {
			log.Info().Uint64("task", t.ID()).Str("peer", t.Peer().String()).Int("bytes", len(data)).Msg("file received")
		},
	}
}

func (n *node) startDiscovery(ctx context.Context) error {
	cfg, err := discovery.LoadDiscoveryCfg(n.cm)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		log.Info().Msg("consul discovery disabled")
		return nil
	}
	if n.reg, err = discovery.NewRegistrar(cfg); err != nil {
		return err
	}
	if n.res, err = discovery.NewResolver(cfg); err != nil {
		return err
	}

	_, port, err := utils.ParseEndpoint(n.login.Addr().String())
	if err != nil {
		return err
	}
	id := n.m.Identity()
	return n.reg.Register(ctx, discovery.Endpoint{
		ID:   cfg.Service + "-" + id.ID.String(),
		Host: n.params.Advertise,
		Port: port,
		Meta: map[string]string{
			discovery.MetaGlobalID: id.ID.String(),
			discovery.MetaApp:      id.StaticIdentification,
			discovery.MetaVersion:  id.Version,
		},
	})
}

func (n *node) stopDiscovery() error {
	if n.reg == nil || n.reg.Registered() == "" {
		return nil
	}
	return n.reg.Deregister()
}

func (n *node) startStatusAPI(ctx context.Context) error {
	cfg, err := statusapi.LoadStatusAPICfg(n.cm)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	n.api = statusapi.NewServer(n.m, cfg)
	return n.api.Start(ctx)
}

func (n *node) stopStatusAPI() error {
	if n.api == nil {
		return nil
	}
	return n.api.Stop()
}

// connectPeers logs in to the configured and discovered peers. A peer that
// refuses is logged and skipped.
func (n *node) connectPeers(ctx context.Context) error {
	addrs := append([]string(nil), n.params.Connect...)
	if n.params.Discover && n.res != nil {
		peers, err := n.res.ResolveExcept(ctx, "", n.m.Identity().ID.String())
		if err != nil {
			log.Warn().Err(err).Msg("peer discovery failed")
		}
		for _, p := range peers {
			addrs = append(addrs, p.Addr())
		}
	}
	for _, addr := range addrs {
		lctx, cancel := context.WithTimeout(ctx, n.params.Timeout)
		u, state, err := n.client.Login(lctx, addr)
		cancel()
		if err != nil || state != net.LoginConnected {
			log.Warn().Str("addr", addr).Str("state", state.String()).Err(err).Msg("peer login failed")
			continue
		}
		log.Info().Str("addr", addr).Str("user", u.String()).Msg("peer connected")
	}
	return nil
}
