package udp

import "net/netip"

// Observer receives session events. Callbacks run on the session's own
// goroutines and must not block.
type Observer interface {
	OnConnected(external netip.AddrPort)
	OnMessage(b []byte)
	OnError(err error)
	OnClose()
}

// ObserverFuncs adapts plain functions to an Observer. Nil fields are
// ignored.
type ObserverFuncs struct {
	Connected func(external netip.AddrPort)
	Message   func(b []byte)
	Error     func(err error)
	Close     func()
}

func (o ObserverFuncs) OnConnected(external netip.AddrPort) {
	if o.Connected != nil {
		o.Connected(external)
	}
}

func (o ObserverFuncs) OnMessage(b []byte) {
	if o.Message != nil {
		o.Message(b)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnClose() {
	if o.Close != nil {
		o.Close()
	}
}

var _ Observer = ObserverFuncs{}
