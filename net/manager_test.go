package net

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sinkConnector keeps what it is asked to send.
type sinkConnector struct {
	recordingConnector
	sent chan *PrimaryMessage
}

func newSinkConnector() *sinkConnector {
	c := &sinkConnector{sent: make(chan *PrimaryMessage, 16)}
	c.init(c, "sink", NewConnectionList(4).FixProtocol(ProtocolTCP))
	return c
}

func (c *sinkConnector) Send(msg *PrimaryMessage) error {
	c.sent <- msg
	return nil
}

func TestAddConnectorIDs(t *testing.T) {
	m, err := NewManager(DefaultManagerCfg())
	require.NoError(t, err)

	a, b, c := newRecordingConnector(1), newRecordingConnector(1), newRecordingConnector(1)
	idA, err := m.AddConnector(a)
	require.NoError(t, err)
	idB, err := m.AddConnector(b)
	require.NoError(t, err)
	assert.Equal(t, 0, idA)
	assert.Equal(t, 1, idB)
	assert.Equal(t, 1, b.ID())
	assert.Same(t, m, b.Manager())

	_, err = m.AddConnector(a)
	assert.Error(t, err)
	_, err = m.AddConnector(nil)
	assert.Error(t, err)

	// the freed id is reused
	require.NoError(t, m.RemoveConnector(idA))
	assert.Nil(t, a.Manager())
	idC, err := m.AddConnector(c)
	require.NoError(t, err)
	assert.Equal(t, 0, idC)
	assert.ErrorIs(t, m.RemoveConnector(9), ErrUnknownConnector)

	conns := m.Connectors()
	require.Len(t, conns, 2)
	assert.Equal(t, 0, conns[0].ID())
	assert.Equal(t, 1, conns[1].ID())
}

func TestSetDefaultsCheckKind(t *testing.T) {
	m, err := NewManager(DefaultManagerCfg())
	require.NoError(t, err)
	id, err := m.AddConnector(newRecordingConnector(1))
	require.NoError(t, err)

	assert.ErrorIs(t, m.SetDefaultDataTransport(7), ErrUnknownConnector)
	assert.Error(t, m.SetDefaultDataTransport(id))
	assert.ErrorIs(t, m.SetDefaultFileTransport(7), ErrUnknownConnector)
	assert.Error(t, m.SetDefaultFileTransport(id))
	assert.Nil(t, m.FileTransport())

	dataID, err := m.AddConnector(NewDataTransport2("data"))
	require.NoError(t, err)
	require.NoError(t, m.SetDefaultDataTransport(dataID))
	assert.Equal(t, dataID, m.DefaultDataTransport().ID())

	require.NoError(t, m.RemoveConnector(dataID))
	assert.Nil(t, m.DefaultDataTransport())
}

func TestSendMessageRouting(t *testing.T) {
	m, err := NewManager(DefaultManagerCfg())
	require.NoError(t, err)
	sink := newSinkConnector()
	id, err := m.AddConnector(sink)
	require.NoError(t, err)

	assert.ErrorIs(t, m.SendMessage(NewPrimaryMessage(NormalPush)), ErrNoRoute)

	u, err := m.users.add(GlobalID{3}, &Route{ConnectorID: id, Connection: Connection{Protocol: ProtocolTCP, Port: 1}}, false)
	require.NoError(t, err)
	require.NoError(t, m.Push(u, BinaryData([]byte("hi"))))

	msg := <-sink.sent
	assert.Equal(t, NormalPush, msg.Type())
	from, ok := globalIDFrom(msg.Header)
	require.True(t, ok)
	assert.Equal(t, m.Identity().ID, from)
	assert.Equal(t, id, msg.Route.ConnectorID)

	stray, err := m.users.add(GlobalID{4}, &Route{ConnectorID: 42}, false)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Push(stray, BinaryData(nil)), ErrUnknownConnector)
}

func TestPipelineDelivery(t *testing.T) {
	got := make(chan *Message, 1)
	m := newTestManager(t, "app", ManagerEvents{})
	pipe := GlobalID{9, 9}
	m.RegisterPipeline(pipe, PipelineHandlerFunc(func(from *User, msg *Message) {
		got <- msg
	}))

	inner := &Message{Reason: 5, Data: BinaryData([]byte("payload"))}
	wrapped := *inner
	wrapped.Header = append([]byte(nil), pipe[:]...)
	msg := NewPrimaryMessage(Pipeline)
	msg.SetSender(GlobalID{1})
	msg.Data = MessageData(&wrapped)
	require.NoError(t, m.ReceiveMessage(context.Background(), msg))

	select {
	case in := <-got:
		assert.Equal(t, int32(5), in.Reason)
		b, err := in.Data.Binary()
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), b)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline handler not called")
	}

	// unregistered pipelines are dropped quietly
	m.RegisterPipeline(pipe, nil)
	assert.Nil(t, m.pipeline(pipe))
	require.NoError(t, m.ReceiveMessage(context.Background(), msg))
}

func TestPipelineBetweenPeers(t *testing.T) {
	got := make(chan *Message, 1)
	s := newTCPServer(t, "app", ManagerEvents{})
	c := newTCPClient(t, "app", ManagerEvents{})
	pipe := GlobalID{0xab}
	s.m.RegisterPipeline(pipe, PipelineHandlerFunc(func(from *User, msg *Message) {
		got <- msg
	}))
	u := connectTCP(t, s, c)

	require.NoError(t, c.m.SendPipeline(u, pipe, &Message{Reason: 11, Data: BinaryData([]byte("x"))}))
	select {
	case in := <-got:
		assert.Equal(t, int32(11), in.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline message not delivered")
	}
}

func TestManagerStartStop(t *testing.T) {
	m, err := NewManager(DefaultManagerCfg())
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
}

func TestRegisterUserSwapsRouteWhole(t *testing.T) {
	m := newTestManager(t, "app", ManagerEvents{})
	a := Route{ConnectorID: 1, Connection: Connection{Protocol: ProtocolTCP, Port: 1000, Target: "10.0.0.1"}}
	b := Route{ConnectorID: 2, Connection: Connection{Protocol: ProtocolUDP, Port: 2000, Target: "peer.example.org"}}

	// a proxy user that logs in directly becomes a direct user
	server, err := m.Users().AddNewUser(gidOf(1))
	require.NoError(t, err)
	proxied, err := m.Proxy().AddProxyUser(gidOf(5), server)
	require.NoError(t, err)
	require.True(t, proxied.IsProxy())
	u, err := m.registerUser(gidOf(5), a)
	require.NoError(t, err)
	assert.Same(t, proxied, u)
	assert.False(t, u.IsProxy())
	assert.Equal(t, a, *u.Route())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			r := a
			if i%2 == 1 {
				r = b
			}
			if _, err := m.registerUser(gidOf(5), r); err != nil {
				return
			}
		}
	}()

	torn := 0
	for i := 0; i < 20000; i++ {
		if r := *u.Route(); r != a && r != b {
			torn++
		}
		if c := u.DefaultConnector(); c != a.ConnectorID && c != b.ConnectorID {
			torn++
		}
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, torn)
}
