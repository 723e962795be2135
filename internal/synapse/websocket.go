package synapse

import (
	"github.com/gorilla/websocket"
)

const maxInboundMessageBytes = 64 * 1024

// Socket adapts a websocket connection to the Transport interface. Sends and
// closes happen only on the service loop goroutine; the read pump runs
// concurrently, which the underlying connection permits.
type Socket struct {
	conn *websocket.Conn
}

// NewSocket wraps an upgraded websocket connection.
func NewSocket(conn *websocket.Conn) *Socket {
	conn.SetReadLimit(maxInboundMessageBytes)
	return &Socket{conn: conn}
}

// Send writes one outbound push.
func (s *Socket) Send(message Message) error {
	return s.conn.WriteJSON(message)
}

// Close tears the connection down.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// ReadPump consumes inbound envelopes until the connection fails, dispatching
// subscriptions and acks to the service, then reports the disconnect. Run it
// on its own goroutine, one per connection.
func (s *Socket) ReadPump(service *Service, identity Identity) {
	defer service.Disconnect(identity.DeviceID)
	for {
		var envelope InboundEnvelope
		if err := s.conn.ReadJSON(&envelope); err != nil {
			return
		}
		switch envelope.Type {
		case inboundTypeSubscribe:
			if envelope.RootID != "" {
				service.Subscribe(identity.DeviceID, envelope.RootID)
			}
		case inboundTypeApplied:
			service.Acknowledge(identity.DeviceID, envelope)
		}
	}
}
