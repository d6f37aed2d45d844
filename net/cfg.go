package net

import (
	"errors"
	"fmt"
	"time"

	"github.com/lcx/peerlink/config"
)

const (
	_managerCfgName       = "manager"
	_sessionCfgName       = "session"
	_loginCfgName         = "login"
	_fileTransportCfgName = "file_transport"
)

// ManagerCfg configures the identity a node presents at login, the size of
// its user table and the inbound dispatch pool. It is loaded from the
// "manager" config; the rate limit, user ceiling and reconnect delay follow
// hot reloads, the rest is read once by NewManager.
type ManagerCfg struct {
	// StaticIdentification names the application. Peers must present the
	// same value to log in.
	StaticIdentification string `mapstructure:"staticIdentification"`

	// Version is compared together with StaticIdentification at login.
	Version string `mapstructure:"version"`

	// MaxUsers caps the user table, proxy users included. 0 means unbounded.
	MaxUsers int `mapstructure:"maxUsers"`

	// DispatchWorkers is the number of goroutines handling inbound messages.
	DispatchWorkers int `mapstructure:"dispatchWorkers"`

	// DispatchQueueSize bounds the backlog of each dispatch worker.
	DispatchQueueSize int `mapstructure:"dispatchQueueSize"`

	// RecvRateLimit is the inbound messages per second admitted by the
	// token bucket. <= 0 disables inbound rate limiting.
	RecvRateLimit int `mapstructure:"recvRateLimit"`

	// TokenBurst is the bucket size; required when RecvRateLimit is set.
	TokenBurst int `mapstructure:"tokenBurst"`

	// AutoReconnectMillSec is the delay before a lost TCP login session is
	// dialed again.
	AutoReconnectMillSec int `mapstructure:"autoReconnectMillSec"`
}

// DefaultManagerCfg returns the configuration used when no "manager" file
// exists.
func DefaultManagerCfg() *ManagerCfg {
	return &ManagerCfg{
		StaticIdentification: "peerlink",
		Version:              "1.0",
		MaxUsers:             64,
		DispatchWorkers:      4,
		DispatchQueueSize:    1024,
		AutoReconnectMillSec: 3000,
	}
}

// GetName implements config.Config.
func (c *ManagerCfg) GetName() string { return _managerCfgName }

// Validate implements config.Config.
func (c *ManagerCfg) Validate() error {
	if c.StaticIdentification == "" {
		return errors.New("staticIdentification cannot be empty")
	}
	if c.MaxUsers < 0 {
		return fmt.Errorf("maxUsers must not be negative, got %d", c.MaxUsers)
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("dispatchWorkers must be positive, got %d", c.DispatchWorkers)
	}
	if c.DispatchQueueSize <= 0 {
		return fmt.Errorf("dispatchQueueSize must be positive, got %d", c.DispatchQueueSize)
	}
	if c.RecvRateLimit > 0 && c.TokenBurst <= 0 {
		return errors.New("tokenBurst must be positive when recvRateLimit is set")
	}
	if c.AutoReconnectMillSec < 0 {
		return errors.New("autoReconnectMillSec must not be negative")
	}
	return nil
}

// AutoReconnect is AutoReconnectMillSec as a duration.
func (c *ManagerCfg) AutoReconnect() time.Duration {
	return time.Duration(c.AutoReconnectMillSec) * time.Millisecond
}

// SessionCfg configures the per-connection session loops of both data
// transports. Changes apply to sessions started after the reload.
type SessionCfg struct {
	// PingIntervalMillSec is the keepalive period.
	PingIntervalMillSec int `mapstructure:"pingIntervalMillSec"`

	// ReceiveTimeoutMillSec ends a session that has heard nothing from its
	// peer for this long.
	ReceiveTimeoutMillSec int `mapstructure:"receiveTimeoutMillSec"`

	// SendQueueSize bounds the outbound queue. A full queue fails Send with
	// ErrSendQueueFull instead of blocking the caller.
	SendQueueSize int `mapstructure:"sendQueueSize"`

	// WriteTimeoutMillSec bounds a single frame write.
	WriteTimeoutMillSec int `mapstructure:"writeTimeoutMillSec"`

	// MaxFrameSize is the largest serialized message accepted in either
	// direction, and the largest dataset a file transfer may carry.
	MaxFrameSize int `mapstructure:"maxFrameSize"`
}

// DefaultSessionCfg returns the configuration used when no "session" file
// exists.
func DefaultSessionCfg() *SessionCfg {
	return &SessionCfg{
		PingIntervalMillSec:   1000,
		ReceiveTimeoutMillSec: 10000,
		SendQueueSize:         256,
		WriteTimeoutMillSec:   5000,
		MaxFrameSize:          16 << 20,
	}
}

// GetName implements config.Config.
func (c *SessionCfg) GetName() string { return _sessionCfgName }

// Validate implements config.Config.
func (c *SessionCfg) Validate() error {
	if c.PingIntervalMillSec <= 0 {
		return errors.New("pingIntervalMillSec must be positive")
	}
	if c.ReceiveTimeoutMillSec <= 0 {
		return errors.New("receiveTimeoutMillSec must be positive")
	}
	if c.SendQueueSize <= 0 {
		return errors.New("sendQueueSize must be positive")
	}
	if c.WriteTimeoutMillSec <= 0 {
		return errors.New("writeTimeoutMillSec must be positive")
	}
	if c.MaxFrameSize <= 0 {
		return errors.New("maxFrameSize must be positive")
	}
	return nil
}

// PingInterval is PingIntervalMillSec as a duration.
func (c *SessionCfg) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMillSec) * time.Millisecond
}

// ReceiveTimeout is ReceiveTimeoutMillSec as a duration.
func (c *SessionCfg) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutMillSec) * time.Millisecond
}

// WriteTimeout is WriteTimeoutMillSec as a duration.
func (c *SessionCfg) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMillSec) * time.Millisecond
}

// LoginCfg bounds the login exchanges.
type LoginCfg struct {
	// TimeoutMillSec is how long a UDP client waits for the server's reply.
	TimeoutMillSec int `mapstructure:"timeoutMillSec"`

	// StreamTimeoutMillSec bounds dialing and the request/reply exchange of
	// a TCP login.
	StreamTimeoutMillSec int `mapstructure:"streamTimeoutMillSec"`
}

// DefaultLoginCfg returns the configuration used when no "login" file exists.
func DefaultLoginCfg() *LoginCfg {
	return &LoginCfg{TimeoutMillSec: 500, StreamTimeoutMillSec: 5000}
}

// GetName implements config.Config.
func (c *LoginCfg) GetName() string { return _loginCfgName }

// Validate implements config.Config.
func (c *LoginCfg) Validate() error {
	if c.TimeoutMillSec <= 0 {
		return errors.New("timeoutMillSec must be positive")
	}
	if c.StreamTimeoutMillSec <= 0 {
		return errors.New("streamTimeoutMillSec must be positive")
	}
	return nil
}

// Timeout is TimeoutMillSec as a duration.
func (c *LoginCfg) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillSec) * time.Millisecond
}

// StreamTimeout is StreamTimeoutMillSec as a duration.
func (c *LoginCfg) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutMillSec) * time.Millisecond
}

// FileTransportCfg configures the receiving slots and streaming of files.
type FileTransportCfg struct {
	// Slots is the number of concurrent incoming transfers.
	Slots int `mapstructure:"slots"`

	// Ports pins slot listeners; missing entries use ephemeral ports.
	Ports []int `mapstructure:"ports"`

	// ChunkSize is the write and read unit of a single payload transfer.
	// TransportedBytes advances once per chunk.
	ChunkSize int `mapstructure:"chunkSize"`

	// AcceptTimeoutMillSec is how long a granted slot waits for its sender
	// to connect.
	AcceptTimeoutMillSec int `mapstructure:"acceptTimeoutMillSec"`

	// IOTimeoutMillSec bounds every read and write on a file stream.
	IOTimeoutMillSec int `mapstructure:"ioTimeoutMillSec"`

	// DatasetsPerSecond paces dataset transfers on the sending side.
	// 0 means unpaced.
	DatasetsPerSecond int `mapstructure:"datasetsPerSecond"`

	// AdvertiseHost is the host put in CouldSendFile replies. Empty lets the
	// sender use the host of its data session.
	AdvertiseHost string `mapstructure:"advertiseHost"`

	// Compress makes senders lz4 single payloads that shrink.
	Compress bool `mapstructure:"compress"`

	// MaxFileSize caps the announced payload, compressed or not, that a
	// receiver accepts. Larger offers are refused before any allocation.
	MaxFileSize int64 `mapstructure:"maxFileSize"`
}

// DefaultFileTransportCfg returns the configuration used when no
// "file_transport" file exists.
func DefaultFileTransportCfg() *FileTransportCfg {
	return &FileTransportCfg{
		Slots:                4,
		ChunkSize:            64 << 10,
		AcceptTimeoutMillSec: 10000,
		IOTimeoutMillSec:     30000,
		MaxFileSize:          1 << 30,
	}
}

// GetName implements config.Config.
func (c *FileTransportCfg) GetName() string { return _fileTransportCfgName }

// Validate implements config.Config.
func (c *FileTransportCfg) Validate() error {
	if c.Slots <= 0 {
		return errors.New("slots must be positive")
	}
	if len(c.Ports) > c.Slots {
		return fmt.Errorf("%d ports configured for %d slots", len(c.Ports), c.Slots)
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunkSize must be positive")
	}
	if c.AcceptTimeoutMillSec <= 0 {
		return errors.New("acceptTimeoutMillSec must be positive")
	}
	if c.IOTimeoutMillSec <= 0 {
		return errors.New("ioTimeoutMillSec must be positive")
	}
	if c.DatasetsPerSecond < 0 {
		return errors.New("datasetsPerSecond must not be negative")
	}
	if c.MaxFileSize <= 0 {
		return errors.New("maxFileSize must be positive")
	}
	return nil
}

// AcceptTimeout is AcceptTimeoutMillSec as a duration.
func (c *FileTransportCfg) AcceptTimeout() time.Duration {
	return time.Duration(c.AcceptTimeoutMillSec) * time.Millisecond
}

// IOTimeout is IOTimeoutMillSec as a duration.
func (c *FileTransportCfg) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutMillSec) * time.Millisecond
}

// loadCfg fills cfg from the config manager. A missing file keeps the
// defaults already in cfg.
func loadCfg(cm config.ConfigManager, cfg config.Config) error {
	if cm == nil {
		return errors.New("configManager cannot be nil")
	}
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		if config.IsFileMissing(err) {
			return cfg.Validate()
		}
		return fmt.Errorf("failed to load %s config: %w", cfg.GetName(), err)
	}
	return nil
}

// LoadLoginCfg reads "login" over the defaults.
func LoadLoginCfg(cm config.ConfigManager) (*LoginCfg, error) {
	cfg := DefaultLoginCfg()
	if err := loadCfg(cm, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
