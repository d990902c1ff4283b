package loom

// MessageFilter intercepts inbound messages on the I/O runner, before
// they reach the owner's Listener. Filters added to a proxy before
// its channel connects are guaranteed to see every message; filters
// added after connection may miss messages already in flight. All
// three methods run on the I/O runner, including the final
// OnChannelClosed triggered by an asynchronous proxy Close.
type MessageFilter interface {
	// OnMessage returns true if the filter consumed the message, in
	// which case neither later filters nor the Listener see it.
	OnMessage(msg Message) bool

	OnChannelConnected(peer PeerID)
	OnChannelClosed()
}

// BaseFilter is a no-op MessageFilter, for embedding when only a
// subset of the callbacks matters.
type BaseFilter struct{}

func (BaseFilter) OnMessage(Message) bool    { return false }
func (BaseFilter) OnChannelConnected(PeerID) {}
func (BaseFilter) OnChannelClosed()          {}
