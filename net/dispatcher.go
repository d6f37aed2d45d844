package net

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
)

// ErrDispatcherStopped is returned by Post once the dispatcher is stopped.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// DispatcherDelivery is one inbound message waiting for the manager.
type DispatcherDelivery struct {
	Msg *PrimaryMessage
	// Received is when the session read the message.
	Received time.Time
}

// shardKey keeps deliveries from one connection on one worker.
func (dd *DispatcherDelivery) shardKey() uint64 {
	if dd.Msg == nil || dd.Msg.Route == nil {
		return 0
	}
	r := dd.Msg.Route
	h := xxhash.New()
	_, _ = h.WriteString(strconv.Itoa(r.ConnectorID))
	_, _ = h.WriteString(r.Connection.String())
	return h.Sum64()
}

// Dispatcher runs inbound messages through the filter chain and the handler
// on a fixed pool of workers. Each worker owns a bounded queue; a message
// is queued on the worker chosen by its route, so messages read from one
// connection are handled in read order.
type Dispatcher struct {
	handler     DispatcherFilterHandleFunc
	filters     DispatcherFilterChain
	recvLimiter *DispatcherRecvLimiter
	dropTypes   map[PrimaryMessageType]struct{}
	queues      []chan *DispatcherDelivery

	lock    sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// NewDispatcher builds a dispatcher with cfg's pool size, queue size and
// rate limit. handler is the last step of the chain.
func NewDispatcher(cfg *ManagerCfg, handler DispatcherFilterHandleFunc) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("ManagerCfg cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("dispatcher handler cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		handler:     handler,
		recvLimiter: NewTokenRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst),
		dropTypes:   make(map[PrimaryMessageType]struct{}),
		queues:      make([]chan *DispatcherDelivery, cfg.DispatchWorkers),
	}
	for i := range d.queues {
		d.queues[i] = make(chan *DispatcherDelivery, cfg.DispatchQueueSize)
	}
	d.filters = append(d.filters, d.typeFilter, d.recvLimiter.recvLimiterFilter)
	return d, nil
}

// RegDispatcherFilter appends f after the built-in filters.
func (d *Dispatcher) RegDispatcherFilter(f DispatcherFilter) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.filters = append(d.filters, f)
}

// DropTypes replaces the set of message types discarded on arrival.
func (d *Dispatcher) DropTypes(types ...PrimaryMessageType) {
	m := make(map[PrimaryMessageType]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	d.lock.Lock()
	d.dropTypes = m
	d.lock.Unlock()
}

// Reload applies new rate limits.
func (d *Dispatcher) Reload(limit, burst int) {
	d.recvLimiter.Reload(limit, burst)
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.group = &errgroup.Group{}
	for i, q := range d.queues {
		worker, queue := i, q
		d.group.Go(func() error {
			d.work(worker, queue)
			return nil
		})
	}
	d.started = true
	log.Info().Int("workers", len(d.queues)).Msg("dispatcher started")
	return nil
}

// Stop cancels the workers and waits for them. Queued deliveries are dropped.
func (d *Dispatcher) Stop() error {
	d.lock.Lock()
	if !d.started {
		d.lock.Unlock()
		return nil
	}
	d.started = false
	cancel, group := d.cancel, d.group
	d.lock.Unlock()

	cancel()
	return group.Wait()
}

// Post queues dd, blocking while its worker's queue is full.
func (d *Dispatcher) Post(ctx context.Context, dd *DispatcherDelivery) error {
	d.lock.RLock()
	started, dctx := d.started, d.ctx
	d.lock.RUnlock()
	if !started || dctx.Err() != nil {
		return ErrDispatcherStopped
	}
	if dd.Received.IsZero() {
		dd.Received = time.Now()
	}
	q := d.queues[dd.shardKey()%uint64(len(d.queues))]

	select {
	case q <- dd:
		metrics.UpdateGaugeWithGroup("net", "dispatch_queue_len", metrics.Value(len(q)))
		return nil
	case <-dctx.Done():
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work(worker int, q <-chan *DispatcherDelivery) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case dd := <-q:
			d.handle(worker, dd)
		}
	}
}

func (d *Dispatcher) handle(worker int, dd *DispatcherDelivery) {
	d.lock.RLock()
	filters := d.filters
	d.lock.RUnlock()

	if err := filters.Handle(dd, d.handler); err != nil {
		metrics.IncrCounterWithDimGroup("net", "dispatch_error_total", 1,
			map[string]string{"type": dd.Msg.Type().String()})
		log.Warn().Int("worker", worker).Str("type", dd.Msg.Type().String()).Err(err).Msg("dispatch failed")
		return
	}
	metrics.RecordStopwatchWithGroup("net", "dispatch_latency", dd.Received)
}
