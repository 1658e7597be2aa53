package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshchat/internal/protocol"
	"github.com/meshcommons/meshchat/internal/transport"
)

// ErrLinkClosed is returned by round trips whose link dropped before
// the response arrived.
var ErrLinkClosed = errors.New("radio: link closed")

// appName identifies this client in the session handshake.
const appName = "meshchat"

// Companion is the command surface of a connected companion radio.
// Round-trip methods must be serialised by the caller; the firmware
// answers commands with typed frames, not request ids, so overlapping
// commands of the same kind would cross wires.
type Companion interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Events delivers frames no round trip claimed: pushes and
	// streamed responses like the contact list. The channel closes
	// when the link drops.
	Events() <-chan protocol.Event

	AppStart(ctx context.Context) (*protocol.SelfInfo, error)
	DeviceQuery(ctx context.Context) (*protocol.DeviceInfo, error)
	GetChannel(ctx context.Context, idx int) (*protocol.ChannelInfo, error)

	// RequestContacts asks for the contact list. The device streams
	// the answer through Events.
	RequestContacts(ctx context.Context, since time.Time) error

	// SyncNextMessage pulls one buffered message. The returned event is
	// a ContactMessage, ChannelMessage or NoMoreMessages.
	SyncNextMessage(ctx context.Context) (protocol.Event, error)

	SendDirect(ctx context.Context, publicKey, text string) (*protocol.SendResult, error)
	SendChannel(ctx context.Context, channelIdx int, text string) (*protocol.SendResult, error)
	SendAdvert(ctx context.Context, flood bool) error
}

// deviceCompanion drives a real device over a transport link. Inbound
// frames are matched to pending round trips by response code; anything
// unclaimed flows out through the events channel.
type deviceCompanion struct {
	link transport.Link
	log  *zap.Logger

	mu      sync.Mutex
	waiters map[protocol.Code][]chan protocol.Event

	events chan protocol.Event
}

// NewCompanion wraps a transport link in the command surface.
func NewCompanion(link transport.Link, log *zap.Logger) Companion {
	return &deviceCompanion{
		link:    link,
		log:     log.Named("companion"),
		waiters: map[protocol.Code][]chan protocol.Event{},
		events:  make(chan protocol.Event, 128),
	}
}

func (c *deviceCompanion) Connect(ctx context.Context) error {
	if err := c.link.Connect(ctx); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *deviceCompanion) Disconnect() error { return c.link.Disconnect() }

func (c *deviceCompanion) IsConnected() bool { return c.link.IsConnected() }

func (c *deviceCompanion) Events() <-chan protocol.Event { return c.events }

// ForceDisconnect tears the OS-level BLE session down when the link is
// Bluetooth. Needed when the firmware wedges with the GATT connection
// still up.
func (c *deviceCompanion) ForceDisconnect(ctx context.Context) {
	ble, ok := c.link.(*transport.BLELink)
	if !ok {
		return
	}
	if err := transport.ForceDisconnect(ctx, ble.MACAddress(), c.log); err != nil {
		c.log.Warn("force disconnect failed", zap.Error(err))
	}
}

func (c *deviceCompanion) readLoop() {
	for payload := range c.link.Frames() {
		ev, err := protocol.Decode(payload)
		if err != nil {
			c.log.Warn("undecodable frame", zap.Error(err))
			continue
		}
		c.deliver(ev)
	}
	c.failWaiters()
	close(c.events)
}

// deliver hands the event to the oldest waiter for its code, falling
// back to the events channel.
func (c *deviceCompanion) deliver(ev protocol.Event) {
	code := ev.EventCode()

	c.mu.Lock()
	if chans := c.waiters[code]; len(chans) > 0 {
		ch := chans[0]
		c.waiters[code] = chans[1:]
		c.mu.Unlock()
		ch <- ev
		return
	}
	c.mu.Unlock()

	select {
	case c.events <- ev:
	default:
		c.log.Warn("event buffer full, dropping event",
			zap.Uint8("code", uint8(code)))
	}
}

func (c *deviceCompanion) failWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for code, chans := range c.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(c.waiters, code)
	}
}

func (c *deviceCompanion) addWaiter(ch chan protocol.Event, codes ...protocol.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, code := range codes {
		c.waiters[code] = append(c.waiters[code], ch)
	}
}

func (c *deviceCompanion) removeWaiter(ch chan protocol.Event, codes ...protocol.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, code := range codes {
		chans := c.waiters[code]
		for i, other := range chans {
			if other == ch {
				c.waiters[code] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
	}
}

// roundTrip sends payload and waits for the first frame matching one of
// the given codes. A device-side error response comes back as an error.
func (c *deviceCompanion) roundTrip(ctx context.Context, payload []byte, codes ...protocol.Code) (protocol.Event, error) {
	ch := make(chan protocol.Event, 1)
	codes = append(codes, protocol.RespErr)
	c.addWaiter(ch, codes...)
	defer c.removeWaiter(ch, codes...)

	if err := c.link.Send(payload); err != nil {
		return nil, err
	}

	select {
	case ev, ok := <-ch:
		if !ok {
			return nil, ErrLinkClosed
		}
		if errResp, isErr := ev.(protocol.ErrResponse); isErr {
			return nil, errResp
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *deviceCompanion) AppStart(ctx context.Context) (*protocol.SelfInfo, error) {
	ev, err := c.roundTrip(ctx, protocol.EncodeAppStart(appName), protocol.RespSelfInfo)
	if err != nil {
		return nil, fmt.Errorf("radio: app start: %w", err)
	}
	info := ev.(protocol.SelfInfo)
	return &info, nil
}

func (c *deviceCompanion) DeviceQuery(ctx context.Context) (*protocol.DeviceInfo, error) {
	ev, err := c.roundTrip(ctx, protocol.EncodeDeviceQuery(), protocol.RespDeviceInfo)
	if err != nil {
		return nil, fmt.Errorf("radio: device query: %w", err)
	}
	info := ev.(protocol.DeviceInfo)
	return &info, nil
}

func (c *deviceCompanion) GetChannel(ctx context.Context, idx int) (*protocol.ChannelInfo, error) {
	ev, err := c.roundTrip(ctx, protocol.EncodeGetChannel(idx), protocol.RespChannelInfo)
	if err != nil {
		return nil, fmt.Errorf("radio: get channel %d: %w", idx, err)
	}
	info := ev.(protocol.ChannelInfo)
	return &info, nil
}

func (c *deviceCompanion) RequestContacts(ctx context.Context, since time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.link.Send(protocol.EncodeGetContacts(since)); err != nil {
		return fmt.Errorf("radio: request contacts: %w", err)
	}
	return nil
}

func (c *deviceCompanion) SyncNextMessage(ctx context.Context) (protocol.Event, error) {
	ev, err := c.roundTrip(ctx, protocol.EncodeSyncNextMessage(),
		protocol.RespContactMsgRecv, protocol.RespChannelMsgRecv, protocol.RespNoMoreMessages)
	if err != nil {
		return nil, fmt.Errorf("radio: sync next message: %w", err)
	}
	return ev, nil
}

func (c *deviceCompanion) SendDirect(ctx context.Context, publicKey, text string) (*protocol.SendResult, error) {
	payload, err := protocol.EncodeSendDirect(publicKey, text, time.Now())
	if err != nil {
		return nil, err
	}
	ev, err := c.roundTrip(ctx, payload, protocol.RespSent)
	if err != nil {
		return nil, fmt.Errorf("radio: send direct: %w", err)
	}
	res := ev.(protocol.SendResult)
	return &res, nil
}

func (c *deviceCompanion) SendChannel(ctx context.Context, channelIdx int, text string) (*protocol.SendResult, error) {
	payload := protocol.EncodeSendChannel(channelIdx, text, time.Now())
	ev, err := c.roundTrip(ctx, payload, protocol.RespSent)
	if err != nil {
		return nil, fmt.Errorf("radio: send channel: %w", err)
	}
	res := ev.(protocol.SendResult)
	return &res, nil
}

func (c *deviceCompanion) SendAdvert(ctx context.Context, flood bool) error {
	_, err := c.roundTrip(ctx, protocol.EncodeSendAdvert(flood), protocol.RespOK)
	if err != nil {
		return fmt.Errorf("radio: send advert: %w", err)
	}
	return nil
}
