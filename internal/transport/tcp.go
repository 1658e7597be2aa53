package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshchat/internal/protocol"
)

// TCPLink speaks the framed companion protocol over a TCP socket,
// typically a WiFi-enabled node or a serial-to-TCP bridge.
type TCPLink struct {
	addr string
	log  *zap.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	frames chan []byte
}

// NewTCPLink creates a link to addr (host:port).
func NewTCPLink(addr string, log *zap.Logger) *TCPLink {
	return &TCPLink{
		addr:   addr,
		log:    log.Named("tcp"),
		frames: make(chan []byte, frameBuffer),
	}
}

func (t *TCPLink) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.log.Info("connected", zap.String("addr", t.addr))
	go t.readLoop(conn)
	return nil
}

func (t *TCPLink) readLoop(conn net.Conn) {
	defer close(t.frames)
	scanner := protocol.NewFrameScanner(conn)
	for {
		payload, err := scanner.Next()
		if err != nil {
			t.mu.Lock()
			wasConnected := t.connected
			t.connected = false
			t.mu.Unlock()
			if wasConnected {
				t.log.Warn("link dropped", zap.Error(err))
			}
			return
		}
		select {
		case t.frames <- payload:
		default:
			// Reader must never stall on a slow consumer.
			t.log.Warn("frame buffer full, dropping frame",
				zap.Int("size", len(payload)))
		}
	}
}

func (t *TCPLink) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.conn == nil {
		return ErrNotConnected
	}
	_, err := t.conn.Write(protocol.AppendFrame(nil, payload))
	return err
}

func (t *TCPLink) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.conn.Close()
}

func (t *TCPLink) Frames() <-chan []byte { return t.frames }

func (t *TCPLink) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
