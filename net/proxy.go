package net

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
)

// ErrNoProxyRoute is returned when a proxied user has no server left.
var ErrNoProxyRoute = errors.New("no proxy server for user")

// ProxyMessage is the ProxySend payload: the final target, the original
// sender and the wrapped message.
type ProxyMessage struct {
	// Target is the final recipient.
	Target GlobalID
	// Origin is the first sender; the relay keeps it unchanged.
	Origin GlobalID
	// Inner is the relayed message, its Reason intact.
	Inner Message
}

// Save encodes 16 target | 16 origin | inner message.
func (p *ProxyMessage) Save() ([]byte, error) {
	b := make([]byte, 0, 2*GlobalIDSize+64)
	b = append(b, p.Target[:]...)
	b = append(b, p.Origin[:]...)
	return append(b, p.Inner.Save()...), nil
}

// Load decodes the output of Save.
func (p *ProxyMessage) Load(b []byte) error {
	r := reader{buf: b}
	target := r.fixed(GlobalIDSize)
	origin := r.fixed(GlobalIDSize)
	if r.err != nil {
		return r.err
	}
	copy(p.Target[:], target)
	copy(p.Origin[:], origin)
	return p.Inner.Load(r.rest())
}

// ProxyServer is a directly connected user that relays for other users.
type ProxyServer struct {
	// ServerUser is the direct user doing the relaying.
	ServerUser *User
	owned      map[GlobalID]*User
}

// Users returns the proxied users reached through this server.
func (ps *ProxyServer) Users() []*User {
	out := make([]*User, 0, len(ps.owned))
	for _, u := range ps.owned {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Proxy maps proxied users to the servers that reach them, wraps outbound
// traffic for them and relays traffic for others.
type Proxy struct {
	m       *Manager
	mu      sync.RWMutex
	servers map[*User]*ProxyServer
	owner   map[GlobalID]*ProxyServer
}

func newProxy(m *Manager) *Proxy {
	return &Proxy{
		m:       m,
		servers: make(map[*User]*ProxyServer),
		owner:   make(map[GlobalID]*ProxyServer),
	}
}

// IsProxyRequired reports whether msg must travel through a proxy server.
func (p *Proxy) IsProxyRequired(msg *PrimaryMessage) bool {
	return !msg.BypassProxy && msg.To != nil && msg.To.IsProxy()
}

// ServerOf returns the server owning proxied user gid.
func (p *Proxy) ServerOf(gid GlobalID) *ProxyServer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.owner[gid]
}

// Servers returns a snapshot ordered by server user id.
func (p *Proxy) Servers() []*ProxyServer {
	p.mu.RLock()
	out := make([]*ProxyServer, 0, len(p.servers))
	for _, ps := range p.servers {
		cp := &ProxyServer{ServerUser: ps.ServerUser, owned: make(map[GlobalID]*User, len(ps.owned))}
		for k, v := range ps.owned {
			cp.owned[k] = v
		}
		out = append(out, cp)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerUser.ID < out[j].ServerUser.ID })
	return out
}

// AddProxyUser records gid as reachable through server. A direct user with
// that id is returned unchanged.
func (p *Proxy) AddProxyUser(gid GlobalID, server *User) (*User, error) {
	if server == nil {
		return nil, errors.New("proxy server user cannot be nil")
	}
	users := p.m.users
	u := users.GetByGlobalID(gid)
	if u != nil && !u.IsProxy() {
		return u, nil
	}
	if u == nil {
		var err error
		u, err = users.add(gid, nil, true)
		if errors.Is(err, ErrUserExists) {
			// another worker registered gid in between
			if u = users.GetByGlobalID(gid); u == nil {
				return nil, err
			}
			if !u.IsProxy() {
				return u, nil
			}
		} else if err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev := p.owner[gid]; prev != nil {
		delete(prev.owned, gid)
	}
	ps := p.servers[server]
	if ps == nil {
		ps = &ProxyServer{ServerUser: server, owned: make(map[GlobalID]*User)}
		p.servers[server] = ps
	}
	ps.owned[gid] = u
	p.owner[gid] = ps
	return u, nil
}

// RemoveServer forgets server and logs out every user reached through it.
func (p *Proxy) RemoveServer(server *User) {
	p.mu.Lock()
	ps := p.servers[server]
	delete(p.servers, server)
	var owned []*User
	if ps != nil {
		for gid, u := range ps.owned {
			delete(p.owner, gid)
			owned = append(owned, u)
		}
	}
	p.mu.Unlock()

	for _, u := range owned {
		p.m.LogoutUser(u)
	}
}

// SendMessageToProxy wraps msg for its proxied target and sends it to the
// owning server.
func (p *Proxy) SendMessageToProxy(msg *PrimaryMessage) error {
	ps := p.ServerOf(msg.To.GlobalID)
	if ps == nil {
		metrics.IncrCounterWithDimGroup("net", "proxy_drop_total", 1, map[string]string{"reason": "no_server"})
		return fmt.Errorf("%w: %s", ErrNoProxyRoute, msg.To.GlobalID)
	}
	origin, ok := msg.Sender()
	if !ok {
		origin = p.m.identity.ID
	}
	outer := NewPrimaryMessage(ProxySend)
	outer.SetSender(p.m.identity.ID)
	if err := outer.Data.SetLoadSaveAble(&ProxyMessage{Target: msg.To.GlobalID, Origin: origin, Inner: msg.Message}); err != nil {
		return err
	}
	outer.To = ps.ServerUser
	metrics.IncrCounterWithGroup("net", "proxy_send_total", 1)
	return p.m.SendMessage(outer)
}

// ReceivedMessageAsProxy delivers a ProxySend addressed to this process, or
// relays it one hop closer to its target. Unroutable messages are dropped.
func (p *Proxy) ReceivedMessageAsProxy(msg *PrimaryMessage) error {
	var pm ProxyMessage
	if err := msg.Data.LoadInto(&pm); err != nil {
		return fmt.Errorf("proxy payload: %w", err)
	}
	self := p.m.identity.ID

	if pm.Target == self {
		return p.deliverLocal(msg, &pm)
	}

	inner := &PrimaryMessage{Message: pm.Inner}
	if inner.Type() == Ping {
		reply := NewPrimaryMessage(PingAnswer)
		reply.SetSender(pm.Target)
		reply.Data = inner.Data
		reply.To = msg.From
		reply.Route = msg.Route
		reply.BypassProxy = true
		metrics.IncrCounterWithGroup("net", "proxy_ping_answer_total", 1)
		return p.m.SendMessage(reply)
	}

	next := p.nextHop(pm.Target)
	if next == nil || next == msg.From {
		metrics.IncrCounterWithDimGroup("net", "proxy_drop_total", 1, map[string]string{"reason": "unroutable"})
		log.Debug().Str("target", pm.Target.String()).Str("origin", pm.Origin.String()).Msg("dropping unroutable proxy message")
		return nil
	}
	fwd := NewPrimaryMessage(ProxySend)
	fwd.SetSender(self)
	fwd.Data = msg.Data
	fwd.To = next
	fwd.BypassProxy = true
	metrics.IncrCounterWithGroup("net", "proxy_forward_total", 1)
	return p.m.SendMessage(fwd)
}

func (p *Proxy) deliverLocal(msg *PrimaryMessage, pm *ProxyMessage) error {
	from := p.m.users.GetByGlobalID(pm.Origin)
	if from == nil {
		if msg.From == nil {
			metrics.IncrCounterWithDimGroup("net", "proxy_drop_total", 1, map[string]string{"reason": "unknown_origin"})
			return nil
		}
		var err error
		if from, err = p.AddProxyUser(pm.Origin, msg.From); err != nil {
			return err
		}
	}
	inner := &PrimaryMessage{Message: pm.Inner, From: from, Route: msg.Route}
	metrics.IncrCounterWithGroup("net", "proxy_deliver_total", 1)
	return p.m.handle(&DispatcherDelivery{Msg: inner})
}

func (p *Proxy) nextHop(target GlobalID) *User {
	u := p.m.users.GetByGlobalID(target)
	if u == nil {
		return nil
	}
	if !u.IsProxy() {
		return u
	}
	if ps := p.ServerOf(target); ps != nil {
		return ps.ServerUser
	}
	return nil
}

// FetchList asks server for the users it can reach.
func (p *Proxy) FetchList(server *User) error {
	msg := NewPrimaryMessage(ProxyFetchList)
	msg.To = server
	msg.BypassProxy = true
	return p.m.SendMessage(msg)
}

// handleFetchList answers with the ids of every direct user except the asker.
func (p *Proxy) handleFetchList(msg *PrimaryMessage) error {
	var ids []byte
	for _, u := range p.m.users.All() {
		if u.IsProxy() || u == msg.From {
			continue
		}
		ids = append(ids, u.GlobalID[:]...)
	}
	reply := NewPrimaryMessage(ProxySendList)
	reply.Data = BinaryData(ids)
	reply.To = msg.From
	reply.Route = msg.Route
	reply.BypassProxy = true
	return p.m.SendMessage(reply)
}

// handleSendList records every listed id as reachable through the sender.
func (p *Proxy) handleSendList(msg *PrimaryMessage) error {
	if msg.From == nil {
		return errors.New("proxy list from unknown peer")
	}
	ids, err := msg.Data.Binary()
	if err != nil {
		return err
	}
	if len(ids)%GlobalIDSize != 0 {
		return fmt.Errorf("%w: proxy list of %d bytes", ErrMalformedMessage, len(ids))
	}
	self := p.m.identity.ID
	for off := 0; off < len(ids); off += GlobalIDSize {
		gid, _ := globalIDFrom(ids[off : off+GlobalIDSize])
		if gid == self {
			continue
		}
		if _, err := p.AddProxyUser(gid, msg.From); err != nil {
			log.Warn().Str("peer", gid.String()).Err(err).Msg("cannot add proxy user")
		}
	}
	return nil
}
