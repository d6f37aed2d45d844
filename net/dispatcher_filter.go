package net

import "github.com/lcx/peerlink/metrics"

// DispatcherFilterHandleFunc handles a delivery at the end of, or inside, a
// filter chain.
type DispatcherFilterHandleFunc func(dd *DispatcherDelivery) error

// DispatcherFilter intercepts a delivery. It calls f to continue the chain
// or returns without calling it to stop the delivery.
type DispatcherFilter func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error

// DispatcherFilterChain is a list of filters run in order.
type DispatcherFilterChain []DispatcherFilter

// Handle runs the chain in order and finally f.
func (fc DispatcherFilterChain) Handle(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(dd)
	}
	return fc[0](dd, func(dd *DispatcherDelivery) error {
		return fc[1:].Handle(dd, f)
	})
}

// typeFilter drops deliveries whose type is unknown or configured as dropped.
func (d *Dispatcher) typeFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if dd.Msg == nil {
		return nil
	}
	t := dd.Msg.Type()
	if t < NormalPush || t > ProxySendList {
		metrics.IncrCounterWithDimGroup("net", "dispatch_drop_total", 1, map[string]string{"reason": "unknown_type"})
		return nil
	}
	d.lock.RLock()
	_, drop := d.dropTypes[t]
	d.lock.RUnlock()
	if drop {
		metrics.IncrCounterWithDimGroup("net", "dispatch_drop_total", 1, map[string]string{"reason": "filtered"})
		return nil
	}
	return f(dd)
}
