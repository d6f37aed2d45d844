package net

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/peerlink/config"
	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
)

// Errors returned by Manager.
var (
	ErrUnknownConnector = errors.New("unknown connector")
	ErrNoRoute          = errors.New("message has neither route nor target user")
	ErrManagerStopped   = errors.New("manager stopped")
)

// PipelineHandler receives Pipeline messages addressed to the id it was
// registered under.
type PipelineHandler interface {
	OnPipelineMessage(from *User, msg *Message)
}

// PipelineHandlerFunc adapts a function to PipelineHandler.
type PipelineHandlerFunc func(from *User, msg *Message)

// OnPipelineMessage calls f(from, msg).
func (f PipelineHandlerFunc) OnPipelineMessage(from *User, msg *Message) { f(from, msg) }

// Reconnector re-establishes a lost session, normally a LoginClient2.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// ManagerEvents are the application callbacks. Nil fields are skipped.
// Callbacks run on dispatcher workers or session goroutines and must not block.
type ManagerEvents struct {
	// OnConnectionLost fires once per ended data session.
	OnConnectionLost func(args ConnectionLostArgs)
	// OnUserLogout fires after a user left the directory.
	OnUserLogout func(u *User)
	// OnPush receives NormalPush messages.
	OnPush func(msg *PrimaryMessage)
	// OnSync receives SyncFile and SyncData messages.
	OnSync func(msg *PrimaryMessage)
	// OnFileReceived receives the payload of a completed single transfer.
	OnFileReceived func(task *FileTransportTask, data []byte)
	// OnDataset receives each dataset of a dataset transfer, in order.
	OnDataset func(task *FileTransportTask, index int, data []byte)
}

// ManagerOption customizes a Manager built by NewManager.
type ManagerOption func(*Manager)

// WithSequence replaces the task id source.
func WithSequence(seq Sequence) ManagerOption {
	return func(m *Manager) { m.seq = seq }
}

// WithIdentity fixes the process identity instead of generating one.
func WithIdentity(id *CurrentIdentification) ManagerOption {
	return func(m *Manager) { m.identity = id }
}

// WithSessionCfg sets the session settings used by transports that have none
// of their own.
func WithSessionCfg(cfg *SessionCfg) ManagerOption {
	return func(m *Manager) { m.sessionCfg.Store(cfg) }
}

// WithEvents installs the application callbacks.
func WithEvents(ev ManagerEvents) ManagerOption {
	return func(m *Manager) { m.events = ev }
}

// Manager owns the connectors, the user directory, the proxy table and the
// pipelines, and routes every message in and out of the process.
//
// Connectors are attached with AddConnector and get an id that routes name.
// Outbound messages go through SendMessage, which stamps this process's
// GlobalID, wraps traffic for proxied users and picks the connector from the
// message route or the target user's default route. Inbound messages from
// every connector are posted to the Dispatcher, whose workers run the filter
// chain and then the handler for the message type: logins, pings, proxy
// relays, file transfer steps and the application callbacks.
//
// The directory is updated at login and when a session ends. A lost TCP login
// session is redialed through the Reconnector after AutoReconnectMillSec.
// A Manager is safe for concurrent use.
type Manager struct {
	cfg        *ManagerCfg
	sessionCfg atomic.Pointer[SessionCfg]
	identity   *CurrentIdentification
	seq        Sequence
	users      *UserCollection
	proxy      *Proxy
	dispatcher *Dispatcher
	events     ManagerEvents

	lock        sync.RWMutex
	connectors  map[int]Connector
	defaultData int
	defaultFile int
	pipelines   map[GlobalID]PipelineHandler
	ctx         context.Context
	cancel      context.CancelFunc
	running     bool

	reconnector    atomic.Value
	timerMu        sync.Mutex
	reconnectTimer *time.Timer
}

// NewManager validates cfg and builds a stopped manager with a fresh identity,
// an empty directory and a dispatcher sized by cfg. Connectors are added
// before or after Start.
func NewManager(cfg *ManagerCfg, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("ManagerCfg cannot be nil, use NewManagerWithConfigManager for dynamic configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manager config: %w", err)
	}

	m := &Manager{
		cfg:         cfg,
		users:       NewUserCollection(cfg.MaxUsers),
		connectors:  make(map[int]Connector),
		defaultData: -1,
		defaultFile: -1,
		pipelines:   make(map[GlobalID]PipelineHandler),
	}
	m.sessionCfg.Store(DefaultSessionCfg())
	for _, opt := range opts {
		opt(m)
	}
	if m.seq == nil {
		m.seq = NewAtomicSequence(1)
	}
	if m.identity == nil {
		id, err := NewCurrentIdentification(cfg.StaticIdentification, cfg.Version)
		if err != nil {
			return nil, err
		}
		m.identity = id
	}
	if err := m.sessionCfg.Load().Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	d, err := NewDispatcher(cfg, m.handle)
	if err != nil {
		return nil, err
	}
	m.dispatcher = d
	m.proxy = newProxy(m)
	return m, nil
}

// NewManagerWithConfigManager loads the "manager" and "session" configs and
// follows their changes. Missing files keep the defaults.
func NewManagerWithConfigManager(cm config.ConfigManager, opts ...ManagerOption) (*Manager, error) {
	cfg := DefaultManagerCfg()
	if err := loadCfg(cm, cfg); err != nil {
		return nil, err
	}
	scfg := DefaultSessionCfg()
	if err := loadCfg(cm, scfg); err != nil {
		return nil, err
	}
	m, err := NewManager(cfg, append([]ManagerOption{WithSessionCfg(scfg)}, opts...)...)
	if err != nil {
		return nil, err
	}
	cm.AddChangeListener(m)
	return m, nil
}

// OnConfigChanged applies rate limits, the user ceiling and session timings.
// Sessions already running keep the settings they started with.
func (m *Manager) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	switch configName {
	case _managerCfgName:
		newCfg, ok := newConfig.(*ManagerCfg)
		if !ok {
			return fmt.Errorf("invalid configuration type for Manager")
		}
		if err := newCfg.Validate(); err != nil {
			return fmt.Errorf("invalid manager configuration: %w", err)
		}
		m.dispatcher.Reload(newCfg.RecvRateLimit, newCfg.TokenBurst)
		m.users.SetMax(newCfg.MaxUsers)
		m.lock.Lock()
		m.cfg = newCfg
		m.lock.Unlock()
	case _sessionCfgName:
		newCfg, ok := newConfig.(*SessionCfg)
		if !ok {
			return fmt.Errorf("invalid configuration type for Session")
		}
		if err := newCfg.Validate(); err != nil {
			return fmt.Errorf("invalid session configuration: %w", err)
		}
		m.sessionCfg.Store(newCfg)
	default:
		return nil
	}
	log.Info().Str("configName", configName).Msg("manager configuration updated successfully")
	return nil
}

// Identity is the identity presented at login.
func (m *Manager) Identity() *CurrentIdentification { return m.identity }

// Users is the user directory.
func (m *Manager) Users() *UserCollection { return m.users }

// Proxy is the proxy table.
func (m *Manager) Proxy() *Proxy { return m.proxy }

// Sequence hands out file task ids.
func (m *Manager) Sequence() Sequence { return m.seq }

// Dispatcher is the inbound worker pool.
func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// SessionCfg returns the current default session settings.
func (m *Manager) SessionCfg() *SessionCfg { return m.sessionCfg.Load() }

// Config returns the current manager settings. Callers must not modify it.
func (m *Manager) Config() *ManagerCfg {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.cfg
}

// Start launches the dispatcher and every connector added so far.
func (m *Manager) Start(ctx context.Context) error {
	m.lock.Lock()
	if m.running {
		m.lock.Unlock()
		return errors.New("manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	conns := m.sortedConnectorsLocked()
	m.lock.Unlock()

	if err := m.dispatcher.Start(m.ctx); err != nil {
		return err
	}
	for _, c := range conns {
		if err := c.StartProgress(m.ctx); err != nil {
			_ = m.Stop()
			return fmt.Errorf("start connector %s: %w", c.Name(), err)
		}
	}
	log.Info().Str("identity", m.identity.ID.String()).Str("app", m.identity.StaticIdentification).
		Str("version", m.identity.Version).Int("connectors", len(conns)).Msg("manager started")
	return nil
}

// Stop ends all I/O. Connectors stay registered.
func (m *Manager) Stop() error {
	m.lock.Lock()
	if !m.running {
		m.lock.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	conns := m.sortedConnectorsLocked()
	m.lock.Unlock()

	m.timerMu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.timerMu.Unlock()

	var errs []error
	for i := len(conns) - 1; i >= 0; i-- {
		if err := conns[i].StopProgress(); err != nil {
			errs = append(errs, fmt.Errorf("stop connector %s: %w", conns[i].Name(), err))
		}
	}
	if err := m.dispatcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	log.Info().Msg("manager stopped")
	return errors.Join(errs...)
}

func (m *Manager) sortedConnectorsLocked() []Connector {
	out := make([]Connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AddConnector registers c under the smallest unused id and starts it when
// the manager is running.
func (m *Manager) AddConnector(c Connector) (int, error) {
	if c == nil {
		return -1, errors.New("connector cannot be nil")
	}
	m.lock.Lock()
	for _, existing := range m.connectors {
		if existing == c {
			m.lock.Unlock()
			return -1, fmt.Errorf("connector %s already added", c.Name())
		}
	}
	id := 0
	for {
		if _, used := m.connectors[id]; !used {
			break
		}
		id++
	}
	m.connectors[id] = c
	c.attach(m, id)
	running, ctx := m.running, m.ctx
	m.lock.Unlock()

	if running {
		if err := c.StartProgress(ctx); err != nil {
			m.lock.Lock()
			delete(m.connectors, id)
			m.lock.Unlock()
			c.attach(nil, -1)
			return -1, err
		}
	}
	metrics.UpdateGaugeWithGroup("net", "connectors", metrics.Value(len(m.Connectors())))
	log.Info().Str("connector", c.Name()).Int("id", id).Msg("connector added")
	return id, nil
}

// RemoveConnector stops connector id and forgets it.
func (m *Manager) RemoveConnector(id int) error {
	m.lock.Lock()
	c, ok := m.connectors[id]
	if !ok {
		m.lock.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownConnector, id)
	}
	delete(m.connectors, id)
	if m.defaultData == id {
		m.defaultData = -1
	}
	if m.defaultFile == id {
		m.defaultFile = -1
	}
	m.lock.Unlock()

	err := c.StopProgress()
	c.attach(nil, -1)
	log.Info().Str("connector", c.Name()).Int("id", id).Msg("connector removed")
	return err
}

// Connector returns the connector with id, or nil.
func (m *Manager) Connector(id int) Connector {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.connectors[id]
}

// Connectors returns the connectors ordered by id.
func (m *Manager) Connectors() []Connector {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.sortedConnectorsLocked()
}

// SetDefaultDataTransport picks the connector login servers allocate from.
func (m *Manager) SetDefaultDataTransport(id int) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	c, ok := m.connectors[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConnector, id)
	}
	switch c.(type) {
	case *DataTransport, *DataTransport2:
	default:
		return fmt.Errorf("connector %s is not a data transport", c.Name())
	}
	m.defaultData = id
	return nil
}

// DefaultDataTransport returns the connector picked by
// SetDefaultDataTransport, or nil.
func (m *Manager) DefaultDataTransport() Connector {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.connectors[m.defaultData]
}

// SetDefaultFileTransport picks the FileTransport used by SendFile and by
// inbound file requests.
func (m *Manager) SetDefaultFileTransport(id int) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	c, ok := m.connectors[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConnector, id)
	}
	if _, ok := c.(*FileTransport); !ok {
		return fmt.Errorf("connector %s is not a file transport", c.Name())
	}
	m.defaultFile = id
	return nil
}

// FileTransport returns the default file transport, or nil when none is set.
func (m *Manager) FileTransport() *FileTransport {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ft, _ := m.connectors[m.defaultFile].(*FileTransport)
	return ft
}

// RegisterPipeline routes Pipeline messages carrying id to h. A nil h
// unregisters.
func (m *Manager) RegisterPipeline(id GlobalID, h PipelineHandler) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if h == nil {
		delete(m.pipelines, id)
		return
	}
	m.pipelines[id] = h
}

func (m *Manager) pipeline(id GlobalID) PipelineHandler {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.pipelines[id]
}

// SetReconnector installs what redials a lost login session. LoginClient2
// installs itself on a successful login.
func (m *Manager) SetReconnector(r Reconnector) {
	m.reconnector.Store(&r)
}

func (m *Manager) getReconnector() Reconnector {
	if p, ok := m.reconnector.Load().(*Reconnector); ok && p != nil {
		return *p
	}
	return nil
}

// SendMessage stamps the sender and hands msg to the proxy or to the
// connector on its route, falling back to the target user's default route.
func (m *Manager) SendMessage(msg *PrimaryMessage) error {
	if len(msg.Header) == 0 {
		msg.SetSender(m.identity.ID)
	}
	if m.proxy.IsProxyRequired(msg) {
		return m.proxy.SendMessageToProxy(msg)
	}
	if msg.Route == nil {
		if msg.To == nil {
			return ErrNoRoute
		}
		msg.Route = msg.To.Route()
	}
	c := m.Connector(msg.Route.ConnectorID)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownConnector, msg.Route.ConnectorID)
	}
	if err := c.Send(msg); err != nil {
		metrics.IncrCounterWithDimGroup("net", "send_error_total", 1, map[string]string{"type": msg.Type().String()})
		return err
	}
	return nil
}

// Push sends data to u as a NormalPush.
func (m *Manager) Push(u *User, data ClientData) error {
	msg := NewPrimaryMessage(NormalPush)
	msg.To = u
	msg.Data = data
	return m.SendMessage(msg)
}

// SendPipeline delivers inner to the pipeline registered under id on u's side.
func (m *Manager) SendPipeline(u *User, id GlobalID, inner *Message) error {
	wrapped := *inner
	wrapped.Header = append([]byte(nil), id[:]...)
	msg := NewPrimaryMessage(Pipeline)
	msg.To = u
	msg.Data = MessageData(&wrapped)
	return m.SendMessage(msg)
}

// ReceiveMessage queues an inbound message for dispatch.
func (m *Manager) ReceiveMessage(ctx context.Context, msg *PrimaryMessage) error {
	metrics.IncrCounterWithDimGroup("net", "message_recv_total", 1, map[string]string{"type": msg.Type().String()})
	return m.dispatcher.Post(ctx, &DispatcherDelivery{Msg: msg})
}

func (m *Manager) handle(dd *DispatcherDelivery) error {
	msg := dd.Msg
	switch t := msg.Type(); t {
	case NormalPush:
		if m.events.OnPush != nil {
			m.events.OnPush(msg)
		}
	case Pipeline:
		return m.handlePipeline(msg)
	case FileTransportServerToClient, FileTransportClientToServer:
		ft := m.FileTransport()
		if ft == nil {
			return errors.New("no file transport connector")
		}
		return ft.handleMessage(msg)
	case SyncFile, SyncData:
		if m.events.OnSync != nil {
			m.events.OnSync(msg)
		}
	case Ping:
		return m.answerPing(msg)
	case PingAnswer:
		m.handlePingAnswer(msg)
	case ProxySend:
		return m.proxy.ReceivedMessageAsProxy(msg)
	case ProxyFetchList:
		return m.proxy.handleFetchList(msg)
	case ProxySendList:
		return m.proxy.handleSendList(msg)
	default:
		log.Debug().Str("type", t.String()).Msg("ignoring message outside a login exchange")
	}
	return nil
}

func (m *Manager) handlePipeline(msg *PrimaryMessage) error {
	inner, err := msg.Data.Message()
	if err != nil {
		return fmt.Errorf("pipeline payload: %w", err)
	}
	id, ok := globalIDFrom(inner.Header)
	if !ok {
		return fmt.Errorf("%w: pipeline id", ErrMalformedMessage)
	}
	h := m.pipeline(id)
	if h == nil {
		metrics.IncrCounterWithDimGroup("net", "dispatch_drop_total", 1, map[string]string{"reason": "unknown_pipeline"})
		log.Debug().Str("pipeline", id.String()).Msg("dropping message for unknown pipeline")
		return nil
	}
	h.OnPipelineMessage(msg.From, inner)
	return nil
}

func (m *Manager) newPing() *PrimaryMessage {
	msg := NewPrimaryMessage(Ping)
	msg.SetSender(m.identity.ID)
	msg.Data = BinaryData(encodePingStamp(time.Now()))
	return msg
}

// answerPing echoes the stamp back on the route the ping came in on.
func (m *Manager) answerPing(msg *PrimaryMessage) error {
	reply := NewPrimaryMessage(PingAnswer)
	reply.SetSender(m.identity.ID)
	reply.Data = msg.Data
	reply.To = msg.From
	reply.Route = msg.Route
	reply.BypassProxy = true
	return m.SendMessage(reply)
}

func (m *Manager) handlePingAnswer(msg *PrimaryMessage) {
	raw, err := msg.Data.Binary()
	if err != nil {
		return
	}
	stamp, ok := decodePingStamp(raw)
	if !ok {
		return
	}
	u := msg.From
	if gid, ok := msg.Sender(); ok {
		if known := m.users.GetByGlobalID(gid); known != nil {
			u = known
		}
	}
	if u == nil {
		return
	}
	rtt := time.Since(stamp)
	u.setPing(rtt)
	metrics.RecordStopwatchWithGroup("net", "ping_rtt", stamp)
}

// adoptUser registers the sender of msg on first contact.
func (m *Manager) adoptUser(msg *PrimaryMessage) *User {
	gid, ok := msg.Sender()
	if !ok || gid.IsZero() || gid == m.identity.ID {
		return nil
	}
	if u := m.users.GetByGlobalID(gid); u != nil {
		return u
	}
	u, err := m.users.add(gid, msg.Route, false)
	if err != nil {
		log.Warn().Str("peer", gid.String()).Err(err).Msg("cannot register peer")
		return nil
	}
	metrics.UpdateGaugeWithGroup("net", "users", metrics.Value(m.users.Count()))
	log.Info().Str("peer", gid.String()).Int("user", u.ID).Msg("user registered on first contact")
	return u
}

// registerUser creates or reuses the user for gid and points it at route.
func (m *Manager) registerUser(gid GlobalID, route Route) (*User, error) {
	u := m.users.GetByGlobalID(gid)
	if u == nil {
		var err error
		if u, err = m.users.add(gid, &route, false); err != nil {
			return nil, err
		}
	} else {
		u.setRoute(route, false)
	}
	metrics.UpdateGaugeWithGroup("net", "users", metrics.Value(m.users.Count()))
	return u, nil
}

// LogoutUser drops u and every proxy user reached through it.
func (m *Manager) LogoutUser(u *User) {
	if !m.users.Remove(u) {
		return
	}
	m.proxy.RemoveServer(u)
	metrics.UpdateGaugeWithGroup("net", "users", metrics.Value(m.users.Count()))
	log.Info().Str("peer", u.GlobalID.String()).Int("user", u.ID).Msg("user logged out")
	if m.events.OnUserLogout != nil {
		m.events.OnUserLogout(u)
	}
}

func (m *Manager) connectionLost(args ConnectionLostArgs) {
	if c := m.Connector(args.ConnectorID); c != nil {
		c.Connections().Remove(args.Connection)
	}
	if args.UserLogout && args.User != nil {
		// a user that already moved to another connection stays
		if r := args.User.Route(); r.ConnectorID == args.ConnectorID && r.Connection == args.Connection {
			m.LogoutUser(args.User)
		}
	}
	if m.events.OnConnectionLost != nil {
		m.events.OnConnectionLost(args)
	}
	if args.Retry {
		m.scheduleReconnect(m.Config().AutoReconnect())
	}
}

func (m *Manager) scheduleReconnect(delay time.Duration) {
	r := m.getReconnector()
	m.lock.RLock()
	running, ctx := m.running, m.ctx
	m.lock.RUnlock()
	if r == nil || !running {
		return
	}

	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.reconnectTimer != nil {
		return
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.timerMu.Lock()
		m.reconnectTimer = nil
		m.timerMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		metrics.IncrCounterWithGroup("net", "reconnect_total", 1)
		if err := r.Reconnect(ctx); err != nil {
			log.Warn().Dur("retryIn", delay).Err(err).Msg("reconnect failed")
			if !errors.Is(err, ErrWrongIdentification) {
				m.scheduleReconnect(delay)
			}
			return
		}
		log.Info().Msg("reconnected")
	})
}
