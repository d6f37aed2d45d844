package discovery

import (
	"errors"
	"time"
)

const _discoveryCfgName = "discovery"

// DiscoveryCfg points at the consul agent the node registers with.
type DiscoveryCfg struct {
	// Enabled registers the node's login server at startup.
	Enabled bool `mapstructure:"enabled"`

	// Address is the consul agent's HTTP address.
	Address    string `mapstructure:"address"`
	Datacenter string `mapstructure:"datacenter"`
	// Token is the ACL token; empty uses the agent default.
	Token string `mapstructure:"token"`

	// Service is the name nodes register under and resolve.
	Service string `mapstructure:"service"`
	// Tags are attached to the registration.
	Tags []string `mapstructure:"tags"`

	// TTLSec is the health check TTL; the registrar refreshes it at a third
	// of that.
	TTLSec int `mapstructure:"ttlSec"`
	// DeregisterAfterSec lets consul drop a node whose check stayed critical
	// this long.
	DeregisterAfterSec int `mapstructure:"deregisterAfterSec"`
}

// DefaultDiscoveryCfg targets a local agent with a 15s TTL.
func DefaultDiscoveryCfg() *DiscoveryCfg {
	return &DiscoveryCfg{
		Address:            "127.0.0.1:8500",
		Service:            "peerlink",
		TTLSec:             15,
		DeregisterAfterSec: 60,
	}
}

// GetName implements config.Config.
func (c *DiscoveryCfg) GetName() string { return _discoveryCfgName }

// Validate implements config.Config.
func (c *DiscoveryCfg) Validate() error {
	if c.Address == "" {
		return errors.New("address cannot be empty")
	}
	if c.Service == "" {
		return errors.New("service cannot be empty")
	}
	if c.TTLSec <= 0 {
		return errors.New("ttlSec must be positive")
	}
	if c.DeregisterAfterSec < c.TTLSec {
		return errors.New("deregisterAfterSec must not be shorter than ttlSec")
	}
	return nil
}

// TTL is TTLSec as a duration.
func (c *DiscoveryCfg) TTL() time.Duration { return time.Duration(c.TTLSec) * time.Second }
