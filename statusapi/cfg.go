package statusapi

import (
	"errors"
	"time"

	"github.com/lcx/peerlink/utils"
)

const _statusAPICfgName = "status_api"

// StatusAPICfg status http server config
type StatusAPICfg struct {
	// Enabled starts the server with the daemon.
	Enabled bool `mapstructure:"enabled"`

	// Listen is the host:port to bind. Keep it on loopback unless the
	// network is trusted; the API has no authentication.
	Listen string `mapstructure:"listen"`

	// ReadTimeoutMillSec and WriteTimeoutMillSec bound one request.
	ReadTimeoutMillSec  int `mapstructure:"readTimeoutMillSec"`
	WriteTimeoutMillSec int `mapstructure:"writeTimeoutMillSec"`

	// Metrics exposes the prometheus registry on /metrics.
	Metrics bool `mapstructure:"metrics"`
}

// DefaultStatusAPICfg listens on 127.0.0.1:9480 with metrics on. The
// server stays disabled until configured.
func DefaultStatusAPICfg() *StatusAPICfg {
	return &StatusAPICfg{
		Listen:              "127.0.0.1:9480",
		ReadTimeoutMillSec:  5000,
		WriteTimeoutMillSec: 10000,
		Metrics:             true,
	}
}

// GetName implements config.Config.
func (c *StatusAPICfg) GetName() string { return _statusAPICfgName }

// Validate implements config.Config.
func (c *StatusAPICfg) Validate() error {
	if _, _, err := utils.ParseEndpoint(c.Listen); err != nil {
		return err
	}
	if c.ReadTimeoutMillSec <= 0 || c.WriteTimeoutMillSec <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

func (c *StatusAPICfg) readTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMillSec) * time.Millisecond
}

func (c *StatusAPICfg) writeTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMillSec) * time.Millisecond
}
