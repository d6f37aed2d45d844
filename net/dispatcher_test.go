package net

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManagerCfg() *ManagerCfg {
	cfg := DefaultManagerCfg()
	cfg.DispatchWorkers = 4
	cfg.DispatchQueueSize = 16
	return cfg
}

func routedMsg(t PrimaryMessageType, port int, seq int) *PrimaryMessage {
	msg := NewPrimaryMessage(t)
	msg.Route = &Route{ConnectorID: 0, Connection: Connection{Protocol: ProtocolTCP, Port: port}}
	msg.Data = BinaryData([]byte{byte(seq)})
	return msg
}

func TestNewDispatcherValidates(t *testing.T) {
	_, err := NewDispatcher(nil, func(*DispatcherDelivery) error { return nil })
	assert.Error(t, err)
	_, err = NewDispatcher(testManagerCfg(), nil)
	assert.Error(t, err)

	cfg := testManagerCfg()
	cfg.DispatchWorkers = 0
	_, err = NewDispatcher(cfg, func(*DispatcherDelivery) error { return nil })
	assert.Error(t, err)
}

func TestDispatcherPerConnectionOrder(t *testing.T) {
	var mu sync.Mutex
	got := make(map[int][]int)
	var wg sync.WaitGroup

	d, err := NewDispatcher(testManagerCfg(), func(dd *DispatcherDelivery) error {
		defer wg.Done()
		b, _ := dd.Msg.Data.Binary()
		mu.Lock()
		got[dd.Msg.Route.Connection.Port] = append(got[dd.Msg.Route.Connection.Port], int(b[0]))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	const conns, perConn = 8, 50
	wg.Add(conns * perConn)
	var posters sync.WaitGroup
	for c := 0; c < conns; c++ {
		posters.Add(1)
		go func(port int) {
			defer posters.Done()
			for i := 0; i < perConn; i++ {
				if err := d.Post(context.Background(), &DispatcherDelivery{Msg: routedMsg(NormalPush, port, i)}); err != nil {
					t.Errorf("post: %v", err)
				}
			}
		}(1000 + c)
	}
	posters.Wait()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, conns)
	for port, seqs := range got {
		require.Len(t, seqs, perConn, "port %d", port)
		for i, s := range seqs {
			assert.Equal(t, i, s, "port %d out of order", port)
		}
	}
}

func TestDispatcherDropTypes(t *testing.T) {
	handled := make(chan PrimaryMessageType, 4)
	d, err := NewDispatcher(testManagerCfg(), func(dd *DispatcherDelivery) error {
		handled <- dd.Msg.Type()
		return nil
	})
	require.NoError(t, err)
	d.DropTypes(SyncData)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	ctx := context.Background()
	require.NoError(t, d.Post(ctx, &DispatcherDelivery{Msg: routedMsg(SyncData, 1, 0)}))
	require.NoError(t, d.Post(ctx, &DispatcherDelivery{Msg: routedMsg(PrimaryMessageType(1000), 1, 1)}))
	require.NoError(t, d.Post(ctx, &DispatcherDelivery{Msg: routedMsg(NormalPush, 1, 2)}))

	select {
	case typ := <-handled:
		assert.Equal(t, NormalPush, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("NormalPush was not handled")
	}
	select {
	case typ := <-handled:
		t.Fatalf("unexpected delivery of %s", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherCustomFilter(t *testing.T) {
	var handled, filtered int
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	d, err := NewDispatcher(testManagerCfg(), func(dd *DispatcherDelivery) error {
		mu.Lock()
		handled++
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	d.RegDispatcherFilter(func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
		mu.Lock()
		filtered++
		mu.Unlock()
		return f(dd)
	})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.NoError(t, d.Post(context.Background(), &DispatcherDelivery{Msg: routedMsg(NormalPush, 1, 0)}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not handled")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, filtered)
}

func TestDispatcherHandlerErrorKeepsWorking(t *testing.T) {
	calls := make(chan struct{}, 2)
	d, err := NewDispatcher(testManagerCfg(), func(dd *DispatcherDelivery) error {
		calls <- struct{}{}
		return errors.New("boom")
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	for i := 0; i < 2; i++ {
		require.NoError(t, d.Post(context.Background(), &DispatcherDelivery{Msg: routedMsg(NormalPush, 1, i)}))
	}
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("worker stopped after a handler error")
		}
	}
}

func TestDispatcherStop(t *testing.T) {
	d, err := NewDispatcher(testManagerCfg(), func(*DispatcherDelivery) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, d.Post(context.Background(), &DispatcherDelivery{Msg: routedMsg(NormalPush, 1, 0)}), ErrDispatcherStopped)

	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())

	assert.ErrorIs(t, d.Post(context.Background(), &DispatcherDelivery{Msg: routedMsg(NormalPush, 1, 0)}), ErrDispatcherStopped)
}

func TestDispatcherPostHonoursContext(t *testing.T) {
	cfg := testManagerCfg()
	cfg.DispatchWorkers = 1
	cfg.DispatchQueueSize = 1
	release := make(chan struct{})
	d, err := NewDispatcher(cfg, func(*DispatcherDelivery) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer func() {
		close(release)
		d.Stop()
	}()

	// one in the handler, one in the queue, the third blocks
	require.NoError(t, d.Post(context.Background(), &DispatcherDelivery{Msg: routedMsg(NormalPush, 1, 0)}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Post(context.Background(), &DispatcherDelivery{Msg: routedMsg(NormalPush, 1, 1)}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = d.Post(ctx, &DispatcherDelivery{Msg: routedMsg(NormalPush, 1, 2)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
