package net

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFileCfg() *FileTransportCfg {
	cfg := DefaultFileTransportCfg()
	cfg.ChunkSize = 4 << 10
	cfg.AcceptTimeoutMillSec = 2000
	cfg.IOTimeoutMillSec = 2000
	return cfg
}

func addFileTransport(t *testing.T, m *Manager, cfg *FileTransportCfg) *FileTransport {
	t.Helper()
	ft, err := NewFileTransport("file", cfg)
	require.NoError(t, err)
	id, err := m.AddConnector(ft)
	require.NoError(t, err)
	require.NoError(t, m.SetDefaultFileTransport(id))
	return ft
}

// filePair is a sender logged into a receiver, both with file transports.
type filePair struct {
	sender, receiver     *FileTransport
	receiverUser         *User
	senderEv, receiverEv *eventLog
}

func newFilePair(t *testing.T, senderCfg, receiverCfg *FileTransportCfg) *filePair {
	t.Helper()
	p := &filePair{senderEv: &eventLog{}, receiverEv: &eventLog{}}
	s := newTCPServer(t, "app", p.receiverEv.events())
	c := newTCPClient(t, "app", p.senderEv.events())
	p.receiver = addFileTransport(t, s.m, receiverCfg)
	p.sender = addFileTransport(t, c.m, senderCfg)
	p.receiverUser = connectTCP(t, s, c)
	return p
}

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func waitTask(t *testing.T, task *FileTransportTask) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task %d did not end", task.ID())
	return err
}

func TestFilePacketSaveLoad(t *testing.T) {
	packets := []*filePacket{
		{Step: stepWantSendFile, TaskID: 9, Size: 1 << 40, DatasetCount: 3, Compressed: true, OriginalSize: 7},
		{Step: stepWaitToGetPort, TaskID: 9, Remaining: 2},
		{Step: stepCouldSendFile, TaskID: 9, Connection: Connection{Protocol: ProtocolTCP, Port: 4000, Target: "h"}},
		{Step: stepFailed, TaskID: 9, Reason: "nope"},
	}
	for _, p := range packets {
		t.Run(p.Step.String(), func(t *testing.T) {
			b, err := p.Save()
			require.NoError(t, err)
			var got filePacket
			require.NoError(t, got.Load(b))
			assert.Equal(t, *p, got)
		})
	}
}

func TestFilePacketLoadRejects(t *testing.T) {
	good, err := (&filePacket{Step: stepWaitToGetPort, TaskID: 1, Remaining: 1}).Save()
	require.NoError(t, err)

	var p filePacket
	assert.ErrorIs(t, p.Load(append(good, 0)), ErrMalformedMessage)
	assert.ErrorIs(t, p.Load(good[:5]), ErrMalformedMessage)
	assert.ErrorIs(t, p.Load([]byte{0, 1, 0, 0, 0, 0, 0, 0, 0}), ErrMalformedMessage)

	neg, err := (&filePacket{Step: stepWantSendFile, TaskID: 1, Size: -1}).Save()
	require.NoError(t, err)
	assert.ErrorIs(t, p.Load(neg), ErrMalformedMessage)

	_, err = (&filePacket{Step: 0}).Save()
	assert.Error(t, err)
}

func TestLZ4RoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("peerlink "), 4096)
	packed, err := lz4Compress(src)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(src))

	got, err := lz4Decompress(packed, int64(len(src)))
	require.NoError(t, err)
	assert.Equal(t, src, got)

	// the size header is checked against the announced size before allocating
	_, err = lz4Decompress(packed, int64(len(src))+1)
	assert.ErrorIs(t, err, ErrMalformedMessage)
	huge := append([]byte{0xff, 0xff, 0xff, 0xff}, packed[4:]...)
	_, err = lz4Decompress(huge, int64(len(src)))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = lz4Compress(randomBytes(t, 1024))
	assert.ErrorIs(t, err, errNotCompressible)
	_, err = lz4Decompress([]byte{1}, 1)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestFileTransferSingle(t *testing.T) {
	p := newFilePair(t, testFileCfg(), testFileCfg())
	data := randomBytes(t, 200<<10)

	task, err := p.sender.StartTask(p.receiverUser, data)
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))

	assert.Equal(t, TaskFinished, task.State())
	assert.Equal(t, int64(len(data)), task.TransportedBytes())
	assert.Equal(t, int64(len(data)), task.Size())
	assert.False(t, task.Compressed())
	assert.False(t, task.Incoming())

	require.Eventually(t, func() bool { return p.receiverEv.fileCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	p.receiverEv.mu.Lock()
	got := p.receiverEv.files[0]
	p.receiverEv.mu.Unlock()
	assert.True(t, bytes.Equal(data, got))

	// the slot is free again
	require.Eventually(t, func() bool {
		_, ok := p.receiver.Connections().GetFree()
		return ok && len(p.receiver.Tasks()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.sender.Task(task.ID()) == nil }, time.Second, 10*time.Millisecond)
}

func TestFileTransferCompressed(t *testing.T) {
	cfg := testFileCfg()
	cfg.Compress = true
	p := newFilePair(t, cfg, testFileCfg())
	data := bytes.Repeat([]byte("0123456789abcdef"), 16<<10)

	task, err := p.sender.StartTask(p.receiverUser, data)
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))

	assert.True(t, task.Compressed())
	assert.Less(t, task.Size(), int64(len(data)))
	assert.Equal(t, task.Size(), task.TransportedBytes())

	require.Eventually(t, func() bool { return p.receiverEv.fileCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	p.receiverEv.mu.Lock()
	got := p.receiverEv.files[0]
	p.receiverEv.mu.Unlock()
	assert.True(t, bytes.Equal(data, got))
}

func TestFileTransferEmpty(t *testing.T) {
	p := newFilePair(t, testFileCfg(), testFileCfg())
	task, err := p.sender.StartTask(p.receiverUser, nil)
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))
	require.Eventually(t, func() bool { return p.receiverEv.fileCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestFileTransferRefusesOversize(t *testing.T) {
	cfg := testFileCfg()
	cfg.MaxFileSize = 64 << 10
	p := newFilePair(t, testFileCfg(), cfg)

	task, err := p.sender.StartTask(p.receiverUser, randomBytes(t, 128<<10))
	require.NoError(t, err)
	assert.ErrorIs(t, waitTask(t, task), ErrTransferRefused)
	assert.Equal(t, TaskFailed, task.State())
	assert.Empty(t, p.receiver.Tasks())

	// offers far beyond anything allocatable never reach a slot
	peers := p.receiver.Manager().Users().All()
	require.Len(t, peers, 1)
	p.receiver.onWantSendFile(peers[0], &filePacket{Step: stepWantSendFile, TaskID: 7, Size: 1 << 62})
	p.receiver.onWantSendFile(peers[0], &filePacket{Step: stepWantSendFile, TaskID: 8, Size: 16, Compressed: true, OriginalSize: 1 << 62})
	assert.Empty(t, p.receiver.Tasks())
	for _, c := range p.receiver.Connections().All() {
		used, ok := p.receiver.Connections().IsUsed(c)
		assert.True(t, ok)
		assert.False(t, used, c.String())
	}

	// the transport still serves offers within the limit
	data := randomBytes(t, 32<<10)
	task, err = p.sender.StartTask(p.receiverUser, data)
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))
	require.Eventually(t, func() bool { return p.receiverEv.fileCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestFileTransferCorruptPayloadNotAcked(t *testing.T) {
	p := newFilePair(t, testFileCfg(), testFileCfg())
	peers := p.receiver.Manager().Users().All()
	require.Len(t, peers, 1)

	// a compressed offer whose block does not decode
	payload := append([]byte{0, 0, 0x03, 0xe8}, bytes.Repeat([]byte{0xff}, 12)...)
	p.receiver.onWantSendFile(peers[0], &filePacket{
		Step: stepWantSendFile, TaskID: 7, Size: int64(len(payload)), Compressed: true, OriginalSize: 1000,
	})
	tasks := p.receiver.Tasks()
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.True(t, task.Incoming())

	nc, err := net.DialTimeout("tcp", task.Connection().Address("127.0.0.1"), 2*time.Second)
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, binary.Write(nc, binary.LittleEndian, uint64(7)))
	_, err = nc.Write(payload)
	require.NoError(t, err)

	var ack [1]byte
	_, err = io.ReadFull(nc, ack[:])
	require.NoError(t, err)
	assert.Equal(t, byte(0), ack[0])

	assert.ErrorIs(t, waitTask(t, task), ErrMalformedMessage)
	assert.Equal(t, TaskFailed, task.State())
	assert.Equal(t, 0, p.receiverEv.fileCount())
}

func TestFileTransferDatasets(t *testing.T) {
	p := newFilePair(t, testFileCfg(), testFileCfg())
	const count = 5
	payload := func(i int) []byte { return []byte(fmt.Sprintf("dataset-%d", i)) }

	task, err := p.sender.StartDatasetTask(p.receiverUser, count, func(i int) ([]byte, error) {
		return payload(i), nil
	})
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))
	assert.Equal(t, count-1, task.CurrentDataset())
	assert.Equal(t, count, task.DatasetCount())

	require.Eventually(t, func() bool {
		p.receiverEv.mu.Lock()
		defer p.receiverEv.mu.Unlock()
		return len(p.receiverEv.order) == count
	}, 2*time.Second, 10*time.Millisecond)

	p.receiverEv.mu.Lock()
	defer p.receiverEv.mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, p.receiverEv.order)
	for i := 0; i < count; i++ {
		assert.Equal(t, payload(i), p.receiverEv.sets[i])
	}
}

func TestFileTransferDatasetSourceError(t *testing.T) {
	p := newFilePair(t, testFileCfg(), testFileCfg())
	boom := errors.New("source broke")

	task, err := p.sender.StartDatasetTask(p.receiverUser, 3, func(i int) ([]byte, error) {
		if i == 1 {
			return nil, boom
		}
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	err = waitTask(t, task)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, TaskFailed, task.State())

	// the receiver gives the slot back
	require.Eventually(t, func() bool {
		_, ok := p.receiver.Connections().GetFree()
		return ok && len(p.receiver.Tasks()) == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.receiverEv.fileCount())
}

func TestFileTransferQueuesForSlot(t *testing.T) {
	rcfg := testFileCfg()
	rcfg.Slots = 1
	p := newFilePair(t, testFileCfg(), rcfg)

	const n = 4
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = randomBytes(t, 64<<10)
	}
	tasks := make([]*FileTransportTask, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := p.sender.StartTask(p.receiverUser, payloads[i])
			if err != nil {
				t.Errorf("start %d: %v", i, err)
				return
			}
			tasks[i] = task
		}(i)
	}
	wg.Wait()

	ids := make(map[uint64]bool)
	for _, task := range tasks {
		require.NotNil(t, task)
		assert.False(t, ids[task.ID()], "duplicate task id %d", task.ID())
		ids[task.ID()] = true
		assert.NoError(t, waitTask(t, task))
	}
	require.Eventually(t, func() bool { return p.receiverEv.fileCount() == n }, 3*time.Second, 10*time.Millisecond)
}

func TestFileTaskCancel(t *testing.T) {
	// the receiver has no file transport, so the request is never granted
	s := newTCPServer(t, "app", ManagerEvents{})
	c := newTCPClient(t, "app", ManagerEvents{})
	sender := addFileTransport(t, c.m, testFileCfg())
	u := connectTCP(t, s, c)

	task, err := sender.StartTask(u, []byte("never"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, TaskWaitForLocalConnector, task.State())

	task.Cancel()
	assert.ErrorIs(t, waitTask(t, task), ErrTaskCancelled)
	assert.Equal(t, TaskFailed, task.State())
}

func TestFileTransportStopFailsTasks(t *testing.T) {
	s := newTCPServer(t, "app", ManagerEvents{})
	c := newTCPClient(t, "app", ManagerEvents{})
	sender := addFileTransport(t, c.m, testFileCfg())
	u := connectTCP(t, s, c)

	task, err := sender.StartTask(u, []byte("pending"))
	require.NoError(t, err)
	require.NoError(t, sender.StopProgress())
	assert.ErrorIs(t, waitTask(t, task), ErrFileTransportStopped)

	_, err = sender.StartTask(u, []byte("late"))
	assert.ErrorIs(t, err, ErrFileTransportStopped)
}

func TestFileTransportNotAttached(t *testing.T) {
	ft, err := NewFileTransport("file", nil)
	require.NoError(t, err)
	_, err = ft.StartTask(&User{}, []byte("x"))
	assert.ErrorIs(t, err, ErrNotAttached)
	assert.ErrorIs(t, ft.StartProgress(context.Background()), ErrNotAttached)

	_, err = ft.StartDatasetTask(&User{}, 0, nil)
	assert.Error(t, err)
}

func TestFileTransportSlotsAdvertised(t *testing.T) {
	m := newTestManager(t, "app", ManagerEvents{})
	cfg := testFileCfg()
	cfg.Slots = 3
	cfg.AdvertiseHost = "203.0.113.7"
	ft := addFileTransport(t, m, cfg)

	conns := ft.Connections().All()
	require.Len(t, conns, 3)
	for _, c := range conns {
		assert.Equal(t, ProtocolTCP, c.Protocol)
		assert.Equal(t, "203.0.113.7", c.Target)
		assert.NotZero(t, c.Port)
	}
	require.NoError(t, ft.StopProgress())
	assert.Equal(t, 0, ft.Connections().Count())
}
