package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// ZMQPublisher publishes events on a ZeroMQ PUB socket. Each message has two
// frames: the event type (usable as a subscription prefix) and the JSON event.
type ZMQPublisher struct {
	mu   sync.Mutex
	sock zmq4.Socket
}

// NewZMQPublisher binds a PUB socket on endpoint, e.g. "tcp://*:5556".
func NewZMQPublisher(ctx context.Context, endpoint string) (*ZMQPublisher, error) {
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to bind zmq publisher on %s: %w", endpoint, err)
	}
	return &ZMQPublisher{sock: sock}, nil
}

func (p *ZMQPublisher) Publish(_ context.Context, e Event) error {
	data, err := e.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.sock.Send(zmq4.NewMsgFrom([]byte(e.Type), data)); err != nil {
		return fmt.Errorf("failed to publish %s on zmq: %w", e.Type, err)
	}
	return nil
}

func (p *ZMQPublisher) Close() error {
	return p.sock.Close()
}
