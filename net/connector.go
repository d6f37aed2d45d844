package net

import (
	"context"
	"errors"
	"sync"
)

// Errors shared by all connectors.
var (
	ErrNotSupported    = errors.New("operation not supported by this connector")
	ErrNotAttached     = errors.New("connector is not attached to a manager")
	ErrConnectorActive = errors.New("connector already started")
)

// Connector owns a pool of connections and the I/O that runs on them.
// Variants: DataTransport, DataTransport2, FileTransport, LoginServer,
// LoginClient, LoginServer2, LoginClient2.
type Connector interface {
	// ID is assigned by Manager.AddConnector.
	ID() int
	// Name is the label given at construction, used in logs and status.
	Name() string
	// Connections is the connector's pool.
	Connections() *ConnectionList

	// StartProgress begins the connector's I/O: binds sockets or spawns loops.
	StartProgress(ctx context.Context) error
	// StopProgress ends all I/O. It does not remove the connector.
	StopProgress() error

	// Send delivers msg on msg.Route.
	Send(msg *PrimaryMessage) error

	// ConnectionAdded is called by the pool after c was added.
	ConnectionAdded(c Connection)
	// ConnectionRemoved is called by the pool after c was removed. Variants
	// close the I/O running on c here.
	ConnectionRemoved(c Connection)

	attach(m *Manager, id int)
}

// connectorBase carries the bookkeeping shared by every variant.
type connectorBase struct {
	mu      sync.RWMutex
	id      int
	name    string
	manager *Manager
	conns   *ConnectionList
}

// init wires the base; owner is the variant embedding it, so the pool
// reports removals to the variant's hooks.
func (b *connectorBase) init(owner Connector, name string, conns *ConnectionList) {
	b.id = -1
	b.name = name
	b.conns = conns
	conns.setOwner(owner)
}

// ID returns the id assigned by the manager, -1 while detached.
func (b *connectorBase) ID() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

// Name returns the connector's label.
func (b *connectorBase) Name() string { return b.name }

// Connections returns the connector's pool.
func (b *connectorBase) Connections() *ConnectionList { return b.conns }

// Manager returns the owning manager, nil while detached.
func (b *connectorBase) Manager() *Manager {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.manager
}

func (b *connectorBase) attach(m *Manager, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manager = m
	b.id = id
}

// Send is not supported by connectors that carry no messages.
func (b *connectorBase) Send(*PrimaryMessage) error { return ErrNotSupported }

// ConnectionAdded does nothing by default.
func (b *connectorBase) ConnectionAdded(Connection) {}

// ConnectionRemoved does nothing by default.
func (b *connectorBase) ConnectionRemoved(Connection) {}
