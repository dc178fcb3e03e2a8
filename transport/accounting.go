package transport

import (
	"github.com/drpcorg/netsync/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

var MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "netsync",
	Subsystem: "transport",
	Name:      "messages",
}, []string{"type", "direction"})

var BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "netsync",
	Subsystem: "transport",
	Name:      "bytes",
}, []string{"type", "direction"})

// Accounting observes every envelope crossing the boundary.
type Accounting interface {
	Sent(peer uint64, typ protocol.MessageType, size int)
	Received(peer uint64, typ protocol.MessageType, size int)
}

type NopAccounting struct{}

func (NopAccounting) Sent(uint64, protocol.MessageType, int)     {}
func (NopAccounting) Received(uint64, protocol.MessageType, int) {}

// PromAccounting feeds MessagesTotal and BytesTotal.
type PromAccounting struct{}

func (PromAccounting) Sent(_ uint64, typ protocol.MessageType, size int) {
	MessagesTotal.WithLabelValues(typ.String(), "out").Inc()
	BytesTotal.WithLabelValues(typ.String(), "out").Add(float64(size))
}

func (PromAccounting) Received(_ uint64, typ protocol.MessageType, size int) {
	MessagesTotal.WithLabelValues(typ.String(), "in").Inc()
	BytesTotal.WithLabelValues(typ.String(), "in").Add(float64(size))
}

// Metered wraps a transport so every envelope is reported to acc.
func Metered(tr Transport, acc Accounting) Transport {
	return &metered{Transport: tr, acc: acc}
}

type metered struct {
	Transport
	acc Accounting
}

func (m *metered) Send(peer uint64, msg *protocol.Message) error {
	if err := m.Transport.Send(peer, msg); err != nil {
		return err
	}
	m.acc.Sent(peer, msg.Type(), len(msg.Encode()))
	return nil
}

func (m *metered) Receive() []Incoming {
	msgs := m.Transport.Receive()
	for _, in := range msgs {
		m.acc.Received(in.From, in.Msg.Type(), len(in.Msg.Encode()))
	}
	return msgs
}
