package net

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/peerlink/config"
	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
	"github.com/lcx/peerlink/utils"
)

// Errors reported through FileTransportTask.Err.
var (
	ErrFileTransportStopped = errors.New("file transport stopped")
	ErrTaskCancelled        = errors.New("file task cancelled")
	ErrTransferRefused      = errors.New("transfer refused by peer")
	ErrFileTooLarge         = errors.New("file exceeds size limit")
)

// TaskState is the progress of a FileTransportTask. Senders move through
// Waiting, CompressBytes, WaitForLocalConnector, ConnectToServer, Transport;
// receivers through WaitForLocalConnector, Transport, DecompressBytes.
type TaskState int32

const (
	TaskWaiting TaskState = iota
	TaskCompressBytes
	TaskWaitForLocalConnector
	TaskConnectToServer
	TaskTransport
	TaskDecompressBytes
	TaskFinished
	TaskFailed
)

var _taskStateNames = [...]string{
	"Waiting", "CompressBytes", "WaitForLocalConnector", "ConnectToServer",
	"Transport", "DecompressBytes", "Finished", "Failed",
}

// String returns the state name without the Task prefix.
func (s TaskState) String() string {
	if s >= 0 && int(s) < len(_taskStateNames) {
		return _taskStateNames[s]
	}
	return fmt.Sprintf("TaskState(%d)", int32(s))
}

// DatasetSource supplies dataset index on demand.
type DatasetSource func(index int) ([]byte, error)

// FileTransportTask is one transfer, on either side. The sender's task is
// returned by StartTask and StartDatasetTask; the receiver's is handed to
// the OnFileReceived and OnDataset callbacks. All accessors are safe to call
// while the transfer runs.
type FileTransportTask struct {
	id           uint64
	peer         *User
	incoming     bool
	datasetCount int
	originalSize int64

	state          atomic.Int32
	size           atomic.Int64
	compressed     atomic.Bool
	transported    atomic.Int64
	currentDataset atomic.Int32
	queued         atomic.Int32

	mu   sync.Mutex
	conn Connection
	err  error

	done       chan struct{}
	doneOnce   sync.Once
	cancel     chan struct{}
	cancelOnce sync.Once

	payload []byte
	source  DatasetSource
	grant   chan Connection
	refused chan string
}

func newFileTask(id uint64, peer *User, incoming bool) *FileTransportTask {
	t := &FileTransportTask{
		id:       id,
		peer:     peer,
		incoming: incoming,
		done:     make(chan struct{}),
		cancel:   make(chan struct{}),
		grant:    make(chan Connection, 1),
		refused:  make(chan string, 1),
	}
	t.currentDataset.Store(-1)
	return t
}

// ID is the sender's task id. Receivers key tasks by peer and id.
func (t *FileTransportTask) ID() uint64 { return t.id }

// Peer is the user on the other side.
func (t *FileTransportTask) Peer() *User { return t.peer }

// Incoming reports whether this side receives.
func (t *FileTransportTask) Incoming() bool { return t.incoming }

// State is the current progress.
func (t *FileTransportTask) State() TaskState { return TaskState(t.state.Load()) }

// Size is the number of bytes on the wire; 0 in dataset mode.
func (t *FileTransportTask) Size() int64 { return t.size.Load() }

// DatasetCount is the number of datasets, 0 for a single payload.
func (t *FileTransportTask) DatasetCount() int { return t.datasetCount }

// Compressed reports whether the payload travels lz4 compressed.
func (t *FileTransportTask) Compressed() bool { return t.compressed.Load() }

// TransportedBytes counts the bytes moved so far, advancing per chunk.
func (t *FileTransportTask) TransportedBytes() int64 { return t.transported.Load() }

// CurrentDataset is the last dataset moved, -1 before the first.
func (t *FileTransportTask) CurrentDataset() int { return int(t.currentDataset.Load()) }

// Queued is the task's place in the receiver's slot queue, 0 once served.
func (t *FileTransportTask) Queued() int { return int(t.queued.Load()) }

// Connection is the receiving slot, zero until one is granted.
func (t *FileTransportTask) Connection() Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Err is why the task failed, nil otherwise.
func (t *FileTransportTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the task is Finished or Failed.
func (t *FileTransportTask) Done() <-chan struct{} { return t.done }

// Wait blocks until the task ends and returns its error.
func (t *FileTransportTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel fails a sending task that has not finished yet.
func (t *FileTransportTask) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancel) })
}

func (t *FileTransportTask) setState(s TaskState) { t.state.Store(int32(s)) }

func (t *FileTransportTask) setConnection(c Connection) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

func (t *FileTransportTask) finish(err error) bool {
	finished := false
	t.doneOnce.Do(func() {
		finished = true
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		if err != nil {
			t.setState(TaskFailed)
		} else {
			t.setState(TaskFinished)
		}
		close(t.done)
	})
	return finished
}

type fileTaskKey struct {
	peer GlobalID
	id   uint64
}

// FileTransport moves large payloads over dedicated TCP connections. Its
// pool holds the receiving slots: each slot is a listener that serves one
// transfer at a time, and transfers that find no free slot wait in FIFO
// order.
//
// A transfer is negotiated over the data session. The sender announces the
// size with WantSendFile; the receiver answers CouldSendFile with a slot, or
// WaitToGetPort with its place in the queue, or Failed when the offer exceeds
// MaxFileSize. The sender then dials the slot, writes the task id and streams
// the payload in ChunkSize writes. The receiver acknowledges with a single
// byte once the payload is complete and decompressed, and only then does the
// sender's task finish.
//
// Datasets are sent one after another on the same slot connection, each with
// its own length prefix, and are paced by DatasetsPerSecond.
type FileTransport struct {
	connectorBase

	cfg    *FileTransportCfg
	funnel *FunnelRecvLimiter

	tmu       sync.Mutex
	outgoing  map[uint64]*FileTransportTask
	incoming  map[fileTaskKey]*FileTransportTask
	waiters   []*FileTransportTask
	listeners map[Connection]net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	wg        sync.WaitGroup
}

// NewFileTransport validates cfg and returns a detached transport. A nil cfg
// uses DefaultFileTransportCfg. Slots are bound at StartProgress.
func NewFileTransport(name string, cfg *FileTransportCfg) (*FileTransport, error) {
	if cfg == nil {
		cfg = DefaultFileTransportCfg()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid file transport config: %w", err)
	}
	ft := &FileTransport{
		cfg:       cfg,
		funnel:    NewFunnelRecvLimiter(cfg.DatasetsPerSecond),
		outgoing:  make(map[uint64]*FileTransportTask),
		incoming:  make(map[fileTaskKey]*FileTransportTask),
		listeners: make(map[Connection]net.Listener),
	}
	ft.init(ft, name, NewConnectionList(cfg.Slots).FixProtocol(ProtocolTCP))
	return ft, nil
}

// NewFileTransportWithConfigManager loads "file_transport" and follows the
// dataset pacing in later changes.
func NewFileTransportWithConfigManager(cm config.ConfigManager, name string) (*FileTransport, error) {
	cfg := DefaultFileTransportCfg()
	if err := loadCfg(cm, cfg); err != nil {
		return nil, err
	}
	ft, err := NewFileTransport(name, cfg)
	if err != nil {
		return nil, err
	}
	cm.AddChangeListener(ft)
	return ft, nil
}

// OnConfigChanged applies the dataset rate, chunking and timeouts. Slot
// count and ports take effect on the next start.
func (ft *FileTransport) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != _fileTransportCfgName {
		return nil
	}
	newCfg, ok := newConfig.(*FileTransportCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for FileTransport")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid file transport configuration: %w", err)
	}
	ft.funnel.Reload(newCfg.DatasetsPerSecond)
	ft.tmu.Lock()
	ft.cfg = newCfg
	ft.tmu.Unlock()
	log.Info().Str("configName", configName).Msg("file transport configuration updated successfully")
	return nil
}

func (ft *FileTransport) config() *FileTransportCfg {
	ft.tmu.Lock()
	defer ft.tmu.Unlock()
	return ft.cfg
}

// StartProgress binds the receiving slots.
func (ft *FileTransport) StartProgress(ctx context.Context) error {
	if ft.Manager() == nil {
		return ErrNotAttached
	}
	ft.tmu.Lock()
	if ft.running {
		ft.tmu.Unlock()
		return ErrConnectorActive
	}
	cfg := ft.cfg
	var bound []net.Listener
	for i := 0; i < cfg.Slots; i++ {
		port := 0
		if i < len(cfg.Ports) {
			port = cfg.Ports[i]
		}
		ln, err := net.Listen("tcp", utils.JoinHostPort("", port))
		if err != nil {
			for _, l := range bound {
				_ = l.Close()
			}
			ft.listeners = make(map[Connection]net.Listener)
			ft.tmu.Unlock()
			ft.removeAll()
			return fmt.Errorf("bind file slot %d: %w", port, err)
		}
		bound = append(bound, ln)
		c := Connection{Protocol: ProtocolTCP, Port: ln.Addr().(*net.TCPAddr).Port, Target: cfg.AdvertiseHost}
		ft.listeners[c] = ln
		if err := ft.conns.Add(c, false); err != nil {
			log.Warn().Str("connection", c.String()).Err(err).Msg("file slot not pooled")
		}
	}
	ft.ctx, ft.cancel = context.WithCancel(ctx)
	ft.running = true
	ft.tmu.Unlock()

	log.Info().Str("connector", ft.Name()).Int("slots", cfg.Slots).Msg("file transport started")
	return nil
}

// StopProgress fails every pending task and closes the slots.
func (ft *FileTransport) StopProgress() error {
	ft.tmu.Lock()
	if !ft.running {
		ft.tmu.Unlock()
		return nil
	}
	ft.running = false
	ft.cancel()
	for c, ln := range ft.listeners {
		_ = ln.Close()
		delete(ft.listeners, c)
	}
	tasks := make([]*FileTransportTask, 0, len(ft.outgoing)+len(ft.incoming))
	for _, t := range ft.outgoing {
		tasks = append(tasks, t)
	}
	for _, t := range ft.incoming {
		tasks = append(tasks, t)
	}
	ft.waiters = nil
	ft.tmu.Unlock()

	for _, t := range tasks {
		if t.finish(ErrFileTransportStopped) {
			ft.logEnd(t, ErrFileTransportStopped)
		}
		t.Cancel()
	}
	ft.wg.Wait()
	ft.removeAll()
	return nil
}

func (ft *FileTransport) removeAll() {
	for _, c := range ft.conns.All() {
		ft.conns.Remove(c)
	}
}

// StartTask sends data to peer to as a single payload.
func (ft *FileTransport) StartTask(to *User, data []byte) (*FileTransportTask, error) {
	return ft.start(to, func(t *FileTransportTask) {
		t.payload = data
		t.originalSize = int64(len(data))
		t.size.Store(int64(len(data)))
	})
}

// StartDatasetTask sends count datasets to peer to, pulling each from
// source when it is due.
func (ft *FileTransport) StartDatasetTask(to *User, count int, source DatasetSource) (*FileTransportTask, error) {
	if count <= 0 {
		return nil, errors.New("dataset count must be positive")
	}
	if source == nil {
		return nil, errors.New("dataset source cannot be nil")
	}
	return ft.start(to, func(t *FileTransportTask) {
		t.datasetCount = count
		t.source = source
	})
}

func (ft *FileTransport) start(to *User, fill func(*FileTransportTask)) (*FileTransportTask, error) {
	m := ft.Manager()
	if m == nil {
		return nil, ErrNotAttached
	}
	if to == nil {
		return nil, errors.New("target user cannot be nil")
	}
	t := newFileTask(m.Sequence().Next(), to, false)
	fill(t)

	ft.tmu.Lock()
	if !ft.running {
		ft.tmu.Unlock()
		return nil, ErrFileTransportStopped
	}
	ft.outgoing[t.id] = t
	ft.wg.Add(1)
	ft.tmu.Unlock()

	metrics.IncrCounterWithDimGroup("net", "file_task_total", 1, map[string]string{"direction": "out"})
	go ft.runSender(t)
	return t, nil
}

// Task returns the outgoing task with id.
func (ft *FileTransport) Task(id uint64) *FileTransportTask {
	ft.tmu.Lock()
	defer ft.tmu.Unlock()
	return ft.outgoing[id]
}

// Tasks returns the live tasks of both directions ordered by id.
func (ft *FileTransport) Tasks() []*FileTransportTask {
	ft.tmu.Lock()
	out := make([]*FileTransportTask, 0, len(ft.outgoing)+len(ft.incoming))
	for _, t := range ft.outgoing {
		out = append(out, t)
	}
	for _, t := range ft.incoming {
		out = append(out, t)
	}
	ft.tmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (ft *FileTransport) runSender(t *FileTransportTask) {
	defer ft.wg.Done()
	err := ft.send(t)
	if err != nil && !errors.Is(err, ErrTransferRefused) {
		ft.notify(t.peer, FileTransportClientToServer, &filePacket{Step: stepFailed, TaskID: t.id, Reason: err.Error()})
	}
	if t.finish(err) {
		ft.logEnd(t, err)
	}
	ft.tmu.Lock()
	delete(ft.outgoing, t.id)
	ft.tmu.Unlock()
}

func (ft *FileTransport) send(t *FileTransportTask) error {
	cfg := ft.config()
	if t.datasetCount == 0 && cfg.Compress && len(t.payload) > 0 {
		t.setState(TaskCompressBytes)
		packed, err := lz4Compress(t.payload)
		switch {
		case err == nil:
			t.payload = packed
			t.compressed.Store(true)
			t.size.Store(int64(len(packed)))
		case !errors.Is(err, errNotCompressible):
			return fmt.Errorf("compress: %w", err)
		}
	}

	t.setState(TaskWaitForLocalConnector)
	err := ft.notify(t.peer, FileTransportClientToServer, &filePacket{
		Step:         stepWantSendFile,
		TaskID:       t.id,
		Size:         t.Size(),
		DatasetCount: int32(t.datasetCount),
		Compressed:   t.Compressed(),
		OriginalSize: t.originalSize,
	})
	if err != nil {
		return err
	}

	var slot Connection
	select {
	case slot = <-t.grant:
	case reason := <-t.refused:
		return fmt.Errorf("%w: %s", ErrTransferRefused, reason)
	case <-t.cancel:
		return ErrTaskCancelled
	case <-ft.ctx.Done():
		return ErrFileTransportStopped
	}
	t.setConnection(slot)
	t.queued.Store(0)

	t.setState(TaskConnectToServer)
	addr := slot.Address(ft.peerHost(t.peer))
	dctx, cancel := context.WithTimeout(ft.ctx, cfg.IOTimeout())
	defer cancel()
	var d net.Dialer
	nc, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer nc.Close()
	go func() {
		select {
		case <-t.cancel:
			_ = nc.Close()
		case <-t.done:
		}
	}()

	t.setState(TaskTransport)
	deadline := func() { _ = nc.SetDeadline(time.Now().Add(cfg.IOTimeout())) }
	deadline()
	if err := binary.Write(nc, binary.LittleEndian, t.id); err != nil {
		return fmt.Errorf("write task id: %w", err)
	}

	if t.datasetCount == 0 {
		for off := 0; off < len(t.payload); off += cfg.ChunkSize {
			end := min(off+cfg.ChunkSize, len(t.payload))
			deadline()
			n, err := nc.Write(t.payload[off:end])
			t.transported.Add(int64(n))
			if err != nil {
				return fmt.Errorf("write payload: %w", err)
			}
		}
	} else {
		var head [4]byte
		for i := 0; i < t.datasetCount; i++ {
			ft.funnel.Take()
			data, err := t.source(i)
			if err != nil {
				return fmt.Errorf("dataset %d: %w", i, err)
			}
			binary.LittleEndian.PutUint32(head[:], uint32(len(data)))
			deadline()
			if _, err := nc.Write(head[:]); err != nil {
				return fmt.Errorf("write dataset %d: %w", i, err)
			}
			n, err := nc.Write(data)
			t.transported.Add(int64(n))
			if err != nil {
				return fmt.Errorf("write dataset %d: %w", i, err)
			}
			t.currentDataset.Store(int32(i))
		}
	}
	metrics.IncrCounterWithDimGroup("net", "file_bytes_total", metrics.Value(t.TransportedBytes()), map[string]string{"direction": "out"})

	deadline()
	var ack [1]byte
	if _, err := io.ReadFull(nc, ack[:]); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if ack[0] != 1 {
		return fmt.Errorf("%w: negative ack", ErrTransferRefused)
	}
	return nil
}

// peerHost is the host the peer's data session runs on.
func (ft *FileTransport) peerHost(u *User) string {
	type peerHoster interface {
		PeerHost(c Connection) (string, bool)
	}
	r := u.Route()
	if m := ft.Manager(); m != nil {
		if ph, ok := m.Connector(r.ConnectorID).(peerHoster); ok {
			if h, ok := ph.PeerHost(r.Connection); ok {
				return h
			}
		}
	}
	return r.Connection.Target
}

func (ft *FileTransport) notify(to *User, t PrimaryMessageType, p *filePacket) error {
	m := ft.Manager()
	if m == nil || to == nil {
		return ErrNotAttached
	}
	msg := NewPrimaryMessage(t)
	if err := msg.Data.SetLoadSaveAble(p); err != nil {
		return err
	}
	msg.To = to
	if err := m.SendMessage(msg); err != nil {
		log.Warn().Str("step", p.Step.String()).Uint64("task", p.TaskID).Err(err).Msg("file negotiation send failed")
		return err
	}
	return nil
}

// handleMessage runs one negotiation step.
func (ft *FileTransport) handleMessage(msg *PrimaryMessage) error {
	var p filePacket
	if err := msg.Data.LoadInto(&p); err != nil {
		return fmt.Errorf("file packet: %w", err)
	}
	peer := msg.From
	if gid, ok := msg.Sender(); ok {
		if u := ft.Manager().Users().GetByGlobalID(gid); u != nil {
			peer = u
		}
	}
	if peer == nil {
		return errors.New("file packet from unknown peer")
	}

	switch msg.Type() {
	case FileTransportClientToServer:
		switch p.Step {
		case stepWantSendFile:
			ft.onWantSendFile(peer, &p)
		case stepFailed:
			ft.onSenderFailed(peer, &p)
		default:
			return fmt.Errorf("unexpected %s from sender", p.Step)
		}
	case FileTransportServerToClient:
		ft.tmu.Lock()
		t := ft.outgoing[p.TaskID]
		ft.tmu.Unlock()
		if t == nil || t.peer.GlobalID != peer.GlobalID {
			return nil
		}
		switch p.Step {
		case stepWaitToGetPort:
			t.queued.Store(p.Remaining)
		case stepCouldSendFile:
			select {
			case t.grant <- p.Connection:
			default:
			}
		case stepFailed:
			select {
			case t.refused <- p.Reason:
			default:
			}
		default:
			return fmt.Errorf("unexpected %s from receiver", p.Step)
		}
	}
	return nil
}

func (ft *FileTransport) onWantSendFile(peer *User, p *filePacket) {
	if max := ft.config().MaxFileSize; p.Size > max || p.OriginalSize > max {
		err := fmt.Errorf("%w: offered %d bytes (%d uncompressed), limit %d", ErrFileTooLarge, p.Size, p.OriginalSize, max)
		metrics.IncrCounterWithGroup("net", "file_refused_total", 1)
		log.Warn().Str("peer", peer.GlobalID.String()).Uint64("task", p.TaskID).Err(err).Msg("refusing file offer")
		ft.notify(peer, FileTransportServerToClient, &filePacket{Step: stepFailed, TaskID: p.TaskID, Reason: err.Error()})
		return
	}
	key := fileTaskKey{peer: peer.GlobalID, id: p.TaskID}
	t := newFileTask(p.TaskID, peer, true)
	t.datasetCount = int(p.DatasetCount)
	t.originalSize = p.OriginalSize
	t.size.Store(p.Size)
	t.compressed.Store(p.Compressed)
	t.setState(TaskWaitForLocalConnector)

	ft.tmu.Lock()
	if !ft.running {
		ft.tmu.Unlock()
		ft.notify(peer, FileTransportServerToClient, &filePacket{Step: stepFailed, TaskID: p.TaskID, Reason: ErrFileTransportStopped.Error()})
		return
	}
	if _, dup := ft.incoming[key]; dup {
		ft.tmu.Unlock()
		return
	}
	ft.incoming[key] = t
	metrics.IncrCounterWithDimGroup("net", "file_task_total", 1, map[string]string{"direction": "in"})

	slot, ok := ft.conns.TakeFree()
	if !ok {
		ft.waiters = append(ft.waiters, t)
		pos := len(ft.waiters)
		t.queued.Store(int32(pos))
		ft.tmu.Unlock()
		ft.notify(peer, FileTransportServerToClient, &filePacket{Step: stepWaitToGetPort, TaskID: p.TaskID, Remaining: int32(pos)})
		return
	}
	ft.wg.Add(1)
	ft.tmu.Unlock()
	ft.grantSlot(t, slot)
}

// grantSlot hands slot to t. The caller has done wg.Add for it.
func (ft *FileTransport) grantSlot(t *FileTransportTask, slot Connection) {
	t.setConnection(slot)
	t.queued.Store(0)
	go ft.serveSlot(t, slot)
	ft.notify(t.peer, FileTransportServerToClient, &filePacket{Step: stepCouldSendFile, TaskID: t.id, Connection: slot})
}

func (ft *FileTransport) onSenderFailed(peer *User, p *filePacket) {
	key := fileTaskKey{peer: peer.GlobalID, id: p.TaskID}
	ft.tmu.Lock()
	t := ft.incoming[key]
	if t == nil {
		ft.tmu.Unlock()
		return
	}
	for i, w := range ft.waiters {
		if w == t {
			ft.waiters = append(ft.waiters[:i], ft.waiters[i+1:]...)
			delete(ft.incoming, key)
			break
		}
	}
	ft.tmu.Unlock()

	err := fmt.Errorf("%w: %s", ErrTransferRefused, p.Reason)
	t.Cancel()
	if t.finish(err) {
		ft.logEnd(t, err)
	}
}

func (ft *FileTransport) serveSlot(t *FileTransportTask, slot Connection) {
	defer ft.wg.Done()
	data, err := ft.receive(t, slot)
	if err != nil {
		ft.notify(t.peer, FileTransportServerToClient, &filePacket{Step: stepFailed, TaskID: t.id, Reason: err.Error()})
	}
	if t.finish(err) {
		ft.logEnd(t, err)
		if err == nil {
			if ev := ft.Manager().events.OnFileReceived; ev != nil {
				ev(t, data)
			}
		}
	}

	ft.tmu.Lock()
	delete(ft.incoming, fileTaskKey{peer: t.peer.GlobalID, id: t.id})
	ft.tmu.Unlock()
	ft.releaseSlot(slot)
}

func (ft *FileTransport) receive(t *FileTransportTask, slot Connection) ([]byte, error) {
	cfg := ft.config()
	ft.tmu.Lock()
	ln := ft.listeners[slot]
	ft.tmu.Unlock()
	if ln == nil {
		return nil, ErrFileTransportStopped
	}

	nc, err := ft.acceptFor(t, ln, cfg)
	if err != nil {
		return nil, err
	}
	defer nc.Close()
	go func() {
		select {
		case <-t.cancel:
			_ = nc.Close()
		case <-ft.ctx.Done():
			_ = nc.Close()
		case <-t.done:
		}
	}()

	t.setState(TaskTransport)
	deadline := func() { _ = nc.SetDeadline(time.Now().Add(cfg.IOTimeout())) }
	var data []byte
	if t.datasetCount == 0 {
		data = make([]byte, t.Size())
		for off := 0; off < len(data); {
			end := min(off+cfg.ChunkSize, len(data))
			deadline()
			n, err := io.ReadFull(nc, data[off:end])
			t.transported.Add(int64(n))
			if err != nil {
				return nil, fmt.Errorf("read payload: %w", err)
			}
			off = end
		}
	} else {
		onDataset := ft.Manager().events.OnDataset
		var head [4]byte
		for i := 0; i < t.datasetCount; i++ {
			deadline()
			if _, err := io.ReadFull(nc, head[:]); err != nil {
				return nil, fmt.Errorf("read dataset %d: %w", i, err)
			}
			size := binary.LittleEndian.Uint32(head[:])
			if max := ft.Manager().SessionCfg().MaxFrameSize; int64(size) > int64(max) {
				return nil, fmt.Errorf("%w: dataset %d of %d bytes", ErrFrameTooLarge, i, size)
			}
			ds := make([]byte, size)
			n, err := io.ReadFull(nc, ds)
			t.transported.Add(int64(n))
			if err != nil {
				return nil, fmt.Errorf("read dataset %d: %w", i, err)
			}
			t.currentDataset.Store(int32(i))
			if onDataset != nil {
				onDataset(t, i, ds)
			}
		}
	}
	metrics.IncrCounterWithDimGroup("net", "file_bytes_total", metrics.Value(t.TransportedBytes()), map[string]string{"direction": "in"})

	// the sender is only told Finished once the payload is usable
	if t.Compressed() {
		t.setState(TaskDecompressBytes)
		if data, err = lz4Decompress(data, t.originalSize); err != nil {
			deadline()
			_, _ = nc.Write([]byte{0})
			return nil, fmt.Errorf("decompress: %w", err)
		}
	}
	deadline()
	if _, err := nc.Write([]byte{1}); err != nil {
		return nil, fmt.Errorf("write ack: %w", err)
	}
	return data, nil
}

// acceptFor waits on ln for the sender of t. Streams announcing another
// task id are closed.
func (ft *FileTransport) acceptFor(t *FileTransportTask, ln net.Listener, cfg *FileTransportCfg) (net.Conn, error) {
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(cfg.AcceptTimeout()))
		defer tl.SetDeadline(time.Time{})
	}
	for {
		nc, err := ln.Accept()
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("sender did not connect within %s", cfg.AcceptTimeout())
			}
			return nil, err
		}
		_ = nc.SetReadDeadline(time.Now().Add(cfg.IOTimeout()))
		var id uint64
		if err := binary.Read(nc, binary.LittleEndian, &id); err != nil || id != t.id {
			log.Warn().Str("remote", nc.RemoteAddr().String()).Uint64("task", t.id).Msg("rejecting stray file stream")
			_ = nc.Close()
			continue
		}
		return nc, nil
	}
}

// releaseSlot passes slot to the longest waiting task, or frees it.
func (ft *FileTransport) releaseSlot(slot Connection) {
	ft.tmu.Lock()
	if !ft.running || len(ft.waiters) == 0 {
		ft.tmu.Unlock()
		_ = ft.conns.SetUsed(slot, false)
		return
	}
	next := ft.waiters[0]
	ft.waiters = ft.waiters[1:]
	rest := append([]*FileTransportTask(nil), ft.waiters...)
	ft.wg.Add(1)
	ft.tmu.Unlock()

	ft.grantSlot(next, slot)
	for i, w := range rest {
		w.queued.Store(int32(i + 1))
		ft.notify(w.peer, FileTransportServerToClient, &filePacket{Step: stepWaitToGetPort, TaskID: w.id, Remaining: int32(i + 1)})
	}
}

func (ft *FileTransport) logEnd(t *FileTransportTask, err error) {
	dir := "out"
	if t.incoming {
		dir = "in"
	}
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "file_task_failed_total", 1, map[string]string{"direction": dir})
		log.Warn().Uint64("task", t.id).Str("direction", dir).Str("peer", t.peer.GlobalID.String()).Err(err).Msg("file transfer failed")
		return
	}
	log.Info().Uint64("task", t.id).Str("direction", dir).Int64("bytes", t.TransportedBytes()).
		Int("datasets", t.datasetCount).Bool("compressed", t.Compressed()).Msg("file transfer finished")
}
