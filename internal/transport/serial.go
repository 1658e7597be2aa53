package transport

import (
	"context"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/meshcommons/meshchat/internal/protocol"
)

// companionBaudRate is fixed by the device firmware.
const companionBaudRate = 115200

// SerialLink speaks the framed companion protocol over a USB serial port.
type SerialLink struct {
	device string
	log    *zap.Logger

	mu        sync.Mutex
	port      serial.Port
	connected bool

	frames chan []byte
}

// NewSerialLink creates a link to the serial device at path, e.g.
// /dev/ttyACM0.
func NewSerialLink(device string, log *zap.Logger) *SerialLink {
	return &SerialLink{
		device: device,
		log:    log.Named("serial"),
		frames: make(chan []byte, frameBuffer),
	}
}

func (s *SerialLink) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	port, err := serial.Open(s.device, &serial.Mode{BaudRate: companionBaudRate})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.port = port
	s.connected = true
	s.mu.Unlock()

	s.log.Info("connected", zap.String("device", s.device))
	go s.readLoop(port)
	return nil
}

func (s *SerialLink) readLoop(port serial.Port) {
	defer close(s.frames)
	scanner := protocol.NewFrameScanner(port)
	for {
		payload, err := scanner.Next()
		if err != nil {
			s.mu.Lock()
			wasConnected := s.connected
			s.connected = false
			s.mu.Unlock()
			if wasConnected {
				s.log.Warn("link dropped", zap.Error(err))
			}
			return
		}
		select {
		case s.frames <- payload:
		default:
			s.log.Warn("frame buffer full, dropping frame",
				zap.Int("size", len(payload)))
		}
	}
}

func (s *SerialLink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.port == nil {
		return ErrNotConnected
	}
	_, err := s.port.Write(protocol.AppendFrame(nil, payload))
	return err
}

func (s *SerialLink) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	return s.port.Close()
}

func (s *SerialLink) Frames() <-chan []byte { return s.frames }

func (s *SerialLink) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
