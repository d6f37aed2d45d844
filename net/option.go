package net

// TransportOption configures a DataTransport or DataTransport2.
type TransportOption func(*transportOptions)

type transportOptions struct {
	maxConns int
	ports    []int
	host     string
	session  *SessionCfg
}

func newTransportOptions(opts []TransportOption) *transportOptions {
	o := &transportOptions{maxConns: 16}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxConns < len(o.ports) {
		o.maxConns = len(o.ports)
	}
	return o
}

// WithMaxConnections caps the connection pool.
func WithMaxConnections(n int) TransportOption {
	return func(o *transportOptions) {
		o.maxConns = n
	}
}

// WithServerPorts binds one UDP server slot per port; 0 picks an ephemeral port.
func WithServerPorts(ports ...int) TransportOption {
	return func(o *transportOptions) {
		o.ports = append([]int(nil), ports...)
	}
}

// WithListenHost sets the host server slots bind to. Empty binds all interfaces.
func WithListenHost(host string) TransportOption {
	return func(o *transportOptions) {
		o.host = host
	}
}

// WithTransportSessionCfg overrides the manager's session settings for one transport.
func WithTransportSessionCfg(cfg *SessionCfg) TransportOption {
	return func(o *transportOptions) {
		o.session = cfg
	}
}
