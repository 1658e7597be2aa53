package transport

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"go.uber.org/zap"

	"github.com/meshcommons/meshchat/internal/protocol"
)

// FakeLink emulates a small companion radio in-process. It exists for
// demos and tests where no hardware is available: the session layer
// runs its full startup sequence against it and ends up connected with
// one channel and one contact.
type FakeLink struct {
	log *zap.Logger

	mu        sync.Mutex
	connected bool
	ackSeq    uint32

	frames chan []byte
}

// FakeContactKey is the public key of the peer the fake device reports.
const FakeContactKey = "f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff000102030405060708090a0b0c0d0e0f"

var fakeSelfKey = [32]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6}

func NewFakeLink(log *zap.Logger) *FakeLink {
	return &FakeLink{
		log:    log.Named("fake"),
		frames: make(chan []byte, frameBuffer),
	}
}

func (f *FakeLink) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.log.Info("fake radio online")
	return nil
}

func (f *FakeLink) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil
	}
	f.connected = false
	close(f.frames)
	return nil
}

func (f *FakeLink) Frames() <-chan []byte { return f.frames }

func (f *FakeLink) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Send interprets the command and queues the canned response.
func (f *FakeLink) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	if len(payload) == 0 {
		return nil
	}

	switch protocol.Code(payload[0]) {
	case protocol.CmdAppStart:
		f.push(fakeSelfInfo())
	case protocol.CmdDeviceQuery:
		f.push([]byte{byte(protocol.RespDeviceInfo), 3, 4, 2})
	case protocol.CmdGetChannel:
		idx := byte(0)
		if len(payload) > 1 {
			idx = payload[1]
		}
		if idx == 0 {
			f.push(fakeChannelInfo(0, "Public"))
		} else {
			f.push([]byte{byte(protocol.RespErr), 1})
		}
	case protocol.CmdGetContacts:
		start := []byte{byte(protocol.RespContactsStart)}
		f.push(binary.LittleEndian.AppendUint32(start, 1))
		f.push(fakeContact())
		f.push([]byte{byte(protocol.RespEndOfContacts)})
	case protocol.CmdSyncNextMessage:
		f.push([]byte{byte(protocol.RespNoMoreMessages)})
	case protocol.CmdSendTxtMsg, protocol.CmdSendChannelTxtMsg:
		f.ackSeq++
		resp := []byte{byte(protocol.RespSent), 0}
		resp = binary.LittleEndian.AppendUint32(resp, f.ackSeq)
		resp = binary.LittleEndian.AppendUint32(resp, 3000)
		f.push(resp)
	case protocol.CmdSendSelfAdvert:
		f.push([]byte{byte(protocol.RespOK)})
	default:
		f.push([]byte{byte(protocol.RespErr), 0xFE})
	}
	return nil
}

func (f *FakeLink) push(frame []byte) {
	select {
	case f.frames <- frame:
	default:
		f.log.Warn("frame buffer full, dropping frame")
	}
}

func fakeSelfInfo() []byte {
	body := make([]byte, 57, 57+8)
	body[0] = byte(protocol.RespSelfInfo)
	body[1] = 22  // tx power
	body[2] = 30  // max tx power
	copy(body[3:35], fakeSelfKey[:])
	binary.LittleEndian.PutUint32(body[47:51], 869525000)
	binary.LittleEndian.PutUint32(body[51:55], 250000)
	body[55] = 11 // sf
	body[56] = 5  // cr
	return append(body, "FakeNode"...)
}

func fakeChannelInfo(idx byte, name string) []byte {
	body := make([]byte, 34)
	body[0] = byte(protocol.RespChannelInfo)
	body[1] = idx
	copy(body[2:34], name)
	return body
}

func fakeContact() []byte {
	body := make([]byte, 1+147)
	body[0] = byte(protocol.RespContact)
	key, _ := hex.DecodeString(FakeContactKey)
	copy(body[1:33], key)
	// type, flags and out path stay zeroed; advertised name sits at the
	// fixed struct offset.
	copy(body[100:132], "Fake Peer")
	binary.LittleEndian.PutUint32(body[144:148], 1700000000) // last mod
	return body
}
