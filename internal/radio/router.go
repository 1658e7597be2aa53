package radio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshchat/internal/protocol"
)

// ChannelMessageEvent is an inbound broadcast message with the channel
// and sender resolved as far as the router can.
type ChannelMessageEvent struct {
	Channel      protocol.ChannelInfo
	Contact      *protocol.ContactInfo // nil when the sender is unknown
	SenderPrefix string
	Text         string
	Timestamp    time.Time
	PathLen      uint8
}

// ContactMessageEvent is an inbound direct message.
type ContactMessageEvent struct {
	Contact      *protocol.ContactInfo // nil when the sender is unknown
	SenderPrefix string
	Text         string
	Timestamp    time.Time
	PathLen      uint8
}

// Router fans decoded companion events out to typed listeners. It keeps
// the latest self info, channel table and contact table so listeners
// registered late get a synchronous replay of current state.
type Router struct {
	log *zap.Logger

	mu       sync.Mutex
	self     *protocol.SelfInfo
	channels map[int]protocol.ChannelInfo
	contacts map[string]protocol.ContactInfo

	collecting     bool
	pending        []protocol.ContactInfo
	contactsSynced bool
	syncedSignal   chan struct{}
	snapshotDone   chan struct{}

	nextID       int
	selfLs       map[int]func(protocol.SelfInfo)
	channelLs    map[int]func([]protocol.ChannelInfo)
	contactLs    map[int]func([]protocol.ContactInfo)
	channelMsgLs map[int]func(ChannelMessageEvent)
	contactMsgLs map[int]func(ContactMessageEvent)
	ackLs        map[int]func(protocol.Ack)
}

func NewRouter(log *zap.Logger) *Router {
	return &Router{
		log:          log.Named("router"),
		channels:     map[int]protocol.ChannelInfo{},
		contacts:     map[string]protocol.ContactInfo{},
		syncedSignal: make(chan struct{}),
		snapshotDone: make(chan struct{}),
		selfLs:       map[int]func(protocol.SelfInfo){},
		channelLs:    map[int]func([]protocol.ChannelInfo){},
		contactLs:    map[int]func([]protocol.ContactInfo){},
		channelMsgLs: map[int]func(ChannelMessageEvent){},
		contactMsgLs: map[int]func(ContactMessageEvent){},
		ackLs:        map[int]func(protocol.Ack){},
	}
}

// ── listener registration, each returns an unsubscribe func ──

func (r *Router) OnSelf(fn func(protocol.SelfInfo)) func() {
	r.mu.Lock()
	id := r.register()
	r.selfLs[id] = fn
	replay := r.self
	r.mu.Unlock()
	if replay != nil {
		r.call(func() { fn(*replay) })
	}
	return func() { r.unregister(func() { delete(r.selfLs, id) }) }
}

func (r *Router) OnChannels(fn func([]protocol.ChannelInfo)) func() {
	r.mu.Lock()
	id := r.register()
	r.channelLs[id] = fn
	replay := r.channelList()
	r.mu.Unlock()
	if len(replay) > 0 {
		r.call(func() { fn(replay) })
	}
	return func() { r.unregister(func() { delete(r.channelLs, id) }) }
}

func (r *Router) OnContacts(fn func([]protocol.ContactInfo)) func() {
	r.mu.Lock()
	id := r.register()
	r.contactLs[id] = fn
	replay := r.contactList()
	r.mu.Unlock()
	if len(replay) > 0 {
		r.call(func() { fn(replay) })
	}
	return func() { r.unregister(func() { delete(r.contactLs, id) }) }
}

func (r *Router) OnChannelMessage(fn func(ChannelMessageEvent)) func() {
	r.mu.Lock()
	id := r.register()
	r.channelMsgLs[id] = fn
	r.mu.Unlock()
	return func() { r.unregister(func() { delete(r.channelMsgLs, id) }) }
}

func (r *Router) OnContactMessage(fn func(ContactMessageEvent)) func() {
	r.mu.Lock()
	id := r.register()
	r.contactMsgLs[id] = fn
	r.mu.Unlock()
	return func() { r.unregister(func() { delete(r.contactMsgLs, id) }) }
}

// OnAck delivers delivery confirmations for previously sent messages.
func (r *Router) OnAck(fn func(protocol.Ack)) func() {
	r.mu.Lock()
	id := r.register()
	r.ackLs[id] = fn
	r.mu.Unlock()
	return func() { r.unregister(func() { delete(r.ackLs, id) }) }
}

func (r *Router) register() int {
	id := r.nextID
	r.nextID++
	return id
}

func (r *Router) unregister(del func()) {
	r.mu.Lock()
	del()
	r.mu.Unlock()
}

// LatestContactMod returns the newest last-modified stamp in the
// contact table, zero when the table is empty. Used for incremental
// contact refreshes.
func (r *Router) LatestContactMod() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest time.Time
	for _, info := range r.contacts {
		if info.LastMod.After(latest) {
			latest = info.LastMod
		}
	}
	return latest
}

// SnapshotDone returns a channel closed when the next full contact
// snapshot completes. The device answers a contact query through the
// same event stream as pushes, so refreshes correlate the request with
// its answer by waiting on this signal.
func (r *Router) SnapshotDone() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotDone
}

// WaitContacts blocks until the first full contact snapshot arrived.
func (r *Router) WaitContacts(ctx context.Context) error {
	r.mu.Lock()
	if r.contactsSynced {
		r.mu.Unlock()
		return nil
	}
	signal := r.syncedSignal
	r.mu.Unlock()

	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("radio: contact sync interrupted: %w", ctx.Err())
	}
}

// SetChannels replaces the channel table with a fresh device scan.
func (r *Router) SetChannels(channels []protocol.ChannelInfo) {
	r.mu.Lock()
	r.channels = map[int]protocol.ChannelInfo{}
	for _, ch := range channels {
		r.channels[ch.Index] = ch
	}
	list := r.channelList()
	fns := channelListenerSnapshot(r.channelLs)
	r.mu.Unlock()

	for _, fn := range fns {
		f := fn
		r.call(func() { f(list) })
	}
}

// HandleEvent routes one decoded companion event.
func (r *Router) HandleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.SelfInfo:
		r.handleSelf(e)
	case protocol.ContactsStart:
		r.mu.Lock()
		r.collecting = true
		r.pending = r.pending[:0]
		r.mu.Unlock()
	case protocol.ContactInfo:
		r.handleContact(e)
	case protocol.EndOfContacts:
		r.handleEndOfContacts()
	case protocol.ChannelInfo:
		r.handleChannelInfo(e)
	case protocol.ChannelMessage:
		r.handleChannelMessage(e)
	case protocol.ContactMessage:
		r.handleContactMessage(e)
	case protocol.Ack:
		r.handleAck(e)
	case protocol.MsgWaiting:
		// The session reacts to this one; nothing to route.
	case protocol.Unknown:
		r.log.Debug("unhandled frame", zap.Uint8("code", uint8(e.Code)))
	default:
		r.log.Debug("unrouted event", zap.Uint8("code", uint8(ev.EventCode())))
	}
}

func (r *Router) handleSelf(info protocol.SelfInfo) {
	r.mu.Lock()
	r.self = &info
	fns := make([]func(protocol.SelfInfo), 0, len(r.selfLs))
	for _, fn := range r.selfLs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		f := fn
		r.call(func() { f(info) })
	}
}

func (r *Router) handleAck(ack protocol.Ack) {
	r.mu.Lock()
	fns := make([]func(protocol.Ack), 0, len(r.ackLs))
	for _, fn := range r.ackLs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	r.log.Info("delivery confirmed",
		zap.Uint32("ack", ack.AckCode), zap.Duration("round_trip", ack.RoundTrip))
	for _, fn := range fns {
		f := fn
		r.call(func() { f(ack) })
	}
}

func (r *Router) handleContact(info protocol.ContactInfo) {
	r.mu.Lock()
	if r.collecting {
		r.pending = append(r.pending, info)
		r.mu.Unlock()
		return
	}
	// A contact outside a snapshot is a fresh discovery.
	r.contacts[info.PublicKey] = info
	r.log.Info("discovered new contact",
		zap.String("name", info.Name), zap.String("key", info.PublicKey))
	list := r.contactList()
	fns := contactListenerSnapshot(r.contactLs)
	r.mu.Unlock()

	for _, fn := range fns {
		f := fn
		r.call(func() { f(list) })
	}
}

func (r *Router) handleEndOfContacts() {
	r.mu.Lock()
	for _, info := range r.pending {
		r.contacts[info.PublicKey] = info
	}
	count := len(r.pending)
	r.pending = nil
	r.collecting = false
	if !r.contactsSynced {
		r.contactsSynced = true
		close(r.syncedSignal)
	}
	close(r.snapshotDone)
	r.snapshotDone = make(chan struct{})
	list := r.contactList()
	fns := contactListenerSnapshot(r.contactLs)
	r.mu.Unlock()

	r.log.Info("contact sync complete", zap.Int("received", count))
	for _, fn := range fns {
		f := fn
		r.call(func() { f(list) })
	}
}

func (r *Router) handleChannelInfo(info protocol.ChannelInfo) {
	r.mu.Lock()
	r.channels[info.Index] = info
	list := r.channelList()
	fns := channelListenerSnapshot(r.channelLs)
	r.mu.Unlock()

	for _, fn := range fns {
		f := fn
		r.call(func() { f(list) })
	}
}

func (r *Router) handleChannelMessage(msg protocol.ChannelMessage) {
	r.mu.Lock()
	channel, ok := r.channels[msg.ChannelIdx]
	if !ok {
		// Keep the message visible even before the channel scan ran.
		channel = protocol.ChannelInfo{
			Index: msg.ChannelIdx,
			Name:  fmt.Sprintf("Channel %d", msg.ChannelIdx),
		}
		r.channels[msg.ChannelIdx] = channel
		r.log.Warn("channel info missing, created placeholder",
			zap.Int("idx", msg.ChannelIdx), zap.String("name", channel.Name))
	}
	contact := r.contactByPrefix(msg.PubKeyPrefix)
	fns := make([]func(ChannelMessageEvent), 0, len(r.channelMsgLs))
	for _, fn := range r.channelMsgLs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	ev := ChannelMessageEvent{
		Channel:      channel,
		Contact:      contact,
		SenderPrefix: msg.PubKeyPrefix,
		Text:         msg.Text,
		Timestamp:    msg.SenderTime,
		PathLen:      msg.PathLen,
	}
	r.log.Info("channel message",
		zap.String("channel", channel.Name), zap.String("text", msg.Text))
	for _, fn := range fns {
		f := fn
		r.call(func() { f(ev) })
	}
}

func (r *Router) handleContactMessage(msg protocol.ContactMessage) {
	r.mu.Lock()
	contact := r.contactByPrefix(msg.PubKeyPrefix)
	fns := make([]func(ContactMessageEvent), 0, len(r.contactMsgLs))
	for _, fn := range r.contactMsgLs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	ev := ContactMessageEvent{
		Contact:      contact,
		SenderPrefix: msg.PubKeyPrefix,
		Text:         msg.Text,
		Timestamp:    msg.SenderTime,
		PathLen:      msg.PathLen,
	}
	name := "unknown"
	if contact != nil {
		name = contact.Name
	}
	r.log.Info("contact message",
		zap.String("from", name), zap.String("prefix", msg.PubKeyPrefix))
	for _, fn := range fns {
		f := fn
		r.call(func() { f(ev) })
	}
}

// contactByPrefix resolves a key prefix against the contact table.
// Caller holds mu.
func (r *Router) contactByPrefix(prefix string) *protocol.ContactInfo {
	if prefix == "" {
		return nil
	}
	for key, info := range r.contacts {
		if hasFold(key, prefix) {
			out := info
			return &out
		}
	}
	return nil
}

func (r *Router) channelList() []protocol.ChannelInfo {
	out := make([]protocol.ChannelInfo, 0, len(r.channels))
	for i := 0; i < 256; i++ {
		if ch, ok := r.channels[i]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func (r *Router) contactList() []protocol.ContactInfo {
	out := make([]protocol.ContactInfo, 0, len(r.contacts))
	for _, info := range r.contacts {
		out = append(out, info)
	}
	return out
}

// call runs a listener with panic isolation: one broken consumer must
// not take the event pump down.
func (r *Router) call(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("listener panicked", zap.Any("panic", rec))
		}
	}()
	fn()
}

func channelListenerSnapshot(m map[int]func([]protocol.ChannelInfo)) []func([]protocol.ChannelInfo) {
	out := make([]func([]protocol.ChannelInfo), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

func contactListenerSnapshot(m map[int]func([]protocol.ContactInfo)) []func([]protocol.ContactInfo) {
	out := make([]func([]protocol.ContactInfo), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

// hasFold reports whether s starts with prefix, ignoring case.
func hasFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
