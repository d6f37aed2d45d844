// Package discovery publishes a node's login endpoint in consul and finds
// the endpoints of other nodes.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/lcx/peerlink/config"
	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
	"github.com/lcx/peerlink/utils"
)

// Meta keys carried on the registration.
const (
	MetaGlobalID = "global_id"
	MetaApp      = "app"
	MetaVersion  = "version"
)

// ErrNotRegistered is returned by Deregister before Register succeeded.
var ErrNotRegistered = errors.New("not registered")

// Endpoint is one registered node.
type Endpoint struct {
	ID   string
	Host string
	Port int
	Meta map[string]string
}

// Addr is the host:port a login client dials.
func (e Endpoint) Addr() string { return utils.JoinHostPort(e.Host, e.Port) }

func newClient(cfg *DiscoveryCfg) (*api.Client, error) {
	conf := api.DefaultConfig()
	conf.Address = cfg.Address
	conf.Datacenter = cfg.Datacenter
	if cfg.Token != "" {
		conf.Token = cfg.Token
	}
	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return client, nil
}

// Registrar keeps one service registration alive through a TTL check.
type Registrar struct {
	client *api.Client
	cfg    *DiscoveryCfg

	mu      sync.Mutex
	id      string
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewRegistrar validates cfg and creates the consul client. A nil cfg uses
// DefaultDiscoveryCfg.
func NewRegistrar(cfg *DiscoveryCfg) (*Registrar, error) {
	if cfg == nil {
		cfg = DefaultDiscoveryCfg()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery configuration: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Registrar{client: client, cfg: cfg}, nil
}

// LoadDiscoveryCfg loads the "discovery" config, keeping defaults when no
// file exists.
func LoadDiscoveryCfg(cm config.ConfigManager) (*DiscoveryCfg, error) {
	cfg := DefaultDiscoveryCfg()
	if err := cm.LoadConfig(_discoveryCfgName, cfg); err != nil && !config.IsFileMissing(err) {
		return nil, fmt.Errorf("load discovery config failed: %w", err)
	}
	return cfg, nil
}

func checkID(serviceID string) string { return "service:" + serviceID }

// Register publishes e under the configured service name and refreshes its
// TTL check until Deregister or ctx ends.
func (r *Registrar) Register(ctx context.Context, e Endpoint) error {
	if e.ID == "" {
		return errors.New("endpoint id cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != "" {
		return fmt.Errorf("already registered as %s", r.id)
	}

	reg := &api.AgentServiceRegistration{
		ID:      e.ID,
		Name:    r.cfg.Service,
		Tags:    r.cfg.Tags,
		Address: e.Host,
		Port:    e.Port,
		Meta:    e.Meta,
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID(e.ID),
			TTL:                            r.cfg.TTL().String(),
			DeregisterCriticalServiceAfter: (time.Duration(r.cfg.DeregisterAfterSec) * time.Second).String(),
		},
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		metrics.IncrCounterWithGroup("discovery", "register_failed_total", 1)
		return fmt.Errorf("register %s: %w", e.ID, err)
	}
	if err := r.pass(e.ID); err != nil {
		log.Warn().Str("service", e.ID).Err(err).Msg("initial ttl update failed")
	}

	hctx, cancel := context.WithCancel(ctx)
	r.id, r.cancel, r.stopped = e.ID, cancel, make(chan struct{})
	go r.heartbeat(hctx, e.ID, r.stopped)

	log.Info().Str("service", r.cfg.Service).Str("id", e.ID).Str("addr", e.Addr()).Msg("registered in consul")
	return nil
}

func (r *Registrar) pass(id string) error {
	return r.client.Agent().UpdateTTL(checkID(id), "", api.HealthPassing)
}

func (r *Registrar) heartbeat(ctx context.Context, id string, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(r.cfg.TTL() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.pass(id); err != nil {
				metrics.IncrCounterWithGroup("discovery", "ttl_failed_total", 1)
				log.Warn().Str("service", id).Err(err).Msg("ttl update failed")
			}
		}
	}
}

// Deregister stops the heartbeat and removes the registration.
func (r *Registrar) Deregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == "" {
		return ErrNotRegistered
	}
	r.cancel()
	<-r.stopped
	id := r.id
	r.id = ""
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	log.Info().Str("id", id).Msg("deregistered from consul")
	return nil
}

// Registered returns the service id currently published, if any.
func (r *Registrar) Registered() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Resolver looks up healthy nodes of a service.
type Resolver struct {
	client *api.Client
	cfg    *DiscoveryCfg
}

// NewResolver validates cfg and creates the consul client. A nil cfg uses
// DefaultDiscoveryCfg.
func NewResolver(cfg *DiscoveryCfg) (*Resolver, error) {
	if cfg == nil {
		cfg = DefaultDiscoveryCfg()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery configuration: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Resolver{client: client, cfg: cfg}, nil
}

// Resolve returns the passing instances of service, or of the configured
// service when service is empty. The node address stands in for instances
// registered without one.
func (r *Resolver) Resolve(ctx context.Context, service string) ([]Endpoint, error) {
	if service == "" {
		service = r.cfg.Service
	}
	start := time.Now()
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(service, "", true, q)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", service, err)
	}
	metrics.RecordStopwatchWithGroup("discovery", "resolve_duration", start)

	out := make([]Endpoint, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		host := entry.Service.Address
		if host == "" && entry.Node != nil {
			host = entry.Node.Address
		}
		out = append(out, Endpoint{
			ID:   entry.Service.ID,
			Host: host,
			Port: entry.Service.Port,
			Meta: entry.Service.Meta,
		})
	}
	log.Debug().Str("service", service).Int("count", len(out)).Msg("resolved")
	return out, nil
}

// ResolveExcept is Resolve without the endpoint whose global id is self.
func (r *Resolver) ResolveExcept(ctx context.Context, service, self string) ([]Endpoint, error) {
	all, err := r.Resolve(ctx, service)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Meta[MetaGlobalID] != self {
			out = append(out, e)
		}
	}
	return out, nil
}
