package radio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/meshchat/internal/protocol"
)

func TestRouterContactSnapshot(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))

	var got [][]protocol.ContactInfo
	r.OnContacts(func(contacts []protocol.ContactInfo) {
		got = append(got, contacts)
	})

	r.HandleEvent(protocol.ContactsStart{Count: 2})
	r.HandleEvent(protocol.ContactInfo{PublicKey: "aa11", Name: "Alice"})
	r.HandleEvent(protocol.ContactInfo{PublicKey: "bb22", Name: "Bob"})
	// No notifications while the snapshot is streaming.
	assert.Empty(t, got)

	r.HandleEvent(protocol.EndOfContacts{})
	require.Len(t, got, 1)
	assert.Len(t, got[0], 2)

	// Late subscribers get the current table replayed synchronously.
	var replayed []protocol.ContactInfo
	r.OnContacts(func(contacts []protocol.ContactInfo) {
		replayed = contacts
	})
	assert.Len(t, replayed, 2)
}

func TestRouterWaitContacts(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.WaitContacts(ctx)
	}()

	r.HandleEvent(protocol.ContactsStart{Count: 0})
	r.HandleEvent(protocol.EndOfContacts{})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitContacts never returned")
	}

	// Already synced: returns immediately.
	require.NoError(t, r.WaitContacts(context.Background()))
}

func TestRouterSnapshotDoneSignalsEachRefresh(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))

	first := r.SnapshotDone()
	r.HandleEvent(protocol.ContactsStart{Count: 0})
	r.HandleEvent(protocol.EndOfContacts{})
	select {
	case <-first:
	default:
		t.Fatal("first snapshot signal never fired")
	}

	// A fresh signal covers the next refresh, not the one that passed.
	second := r.SnapshotDone()
	select {
	case <-second:
		t.Fatal("signal fired before the snapshot completed")
	default:
	}
	r.HandleEvent(protocol.ContactsStart{Count: 0})
	r.HandleEvent(protocol.EndOfContacts{})
	select {
	case <-second:
	default:
		t.Fatal("second snapshot signal never fired")
	}
}

func TestRouterNewContactOutsideSnapshot(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))

	var got []protocol.ContactInfo
	r.OnContacts(func(contacts []protocol.ContactInfo) { got = contacts })

	r.HandleEvent(protocol.ContactInfo{PublicKey: "cc33", Name: "Carol"})
	require.Len(t, got, 1)
	assert.Equal(t, "Carol", got[0].Name)
}

func TestRouterChannelMessagePlaceholder(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))

	var got ChannelMessageEvent
	r.OnChannelMessage(func(ev ChannelMessageEvent) { got = ev })

	r.HandleEvent(protocol.ChannelMessage{
		ChannelIdx: 7,
		PathLen:    protocol.PathLenDirect,
		SenderTime: time.Unix(1700000000, 0),
		Text:       "anyone out there",
	})

	assert.Equal(t, 7, got.Channel.Index)
	assert.Equal(t, "Channel 7", got.Channel.Name)
	assert.Equal(t, "anyone out there", got.Text)

	// A real channel scan later replaces the placeholder.
	r.SetChannels([]protocol.ChannelInfo{{Index: 7, Name: "#real"}})
	r.HandleEvent(protocol.ChannelMessage{
		ChannelIdx: 7,
		SenderTime: time.Unix(1700000001, 0),
		Text:       "again",
	})
	assert.Equal(t, "#real", got.Channel.Name)
}

func TestRouterResolvesSenderPrefix(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))
	r.HandleEvent(protocol.ContactsStart{Count: 1})
	r.HandleEvent(protocol.ContactInfo{PublicKey: "AABBCCDDEEFF0011", Name: "Alice"})
	r.HandleEvent(protocol.EndOfContacts{})

	var got ContactMessageEvent
	r.OnContactMessage(func(ev ContactMessageEvent) { got = ev })

	// The prefix arrives lowercase; matching ignores case.
	r.HandleEvent(protocol.ContactMessage{
		PubKeyPrefix: "aabbccddeeff",
		SenderTime:   time.Unix(1700000000, 0),
		Text:         "hi",
	})
	require.NotNil(t, got.Contact)
	assert.Equal(t, "Alice", got.Contact.Name)

	// Unknown prefixes pass through unresolved.
	r.HandleEvent(protocol.ContactMessage{
		PubKeyPrefix: "999999999999",
		SenderTime:   time.Unix(1700000000, 0),
		Text:         "hi",
	})
	assert.Nil(t, got.Contact)
	assert.Equal(t, "999999999999", got.SenderPrefix)
}

func TestRouterAckListeners(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))

	var got protocol.Ack
	unsub := r.OnAck(func(ack protocol.Ack) { got = ack })

	r.HandleEvent(protocol.Ack{AckCode: 0xBEEF, RoundTrip: 1200 * time.Millisecond})
	assert.Equal(t, uint32(0xBEEF), got.AckCode)
	assert.Equal(t, 1200*time.Millisecond, got.RoundTrip)

	unsub()
	r.HandleEvent(protocol.Ack{AckCode: 1})
	assert.Equal(t, uint32(0xBEEF), got.AckCode)
}

func TestRouterSelfReplay(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))
	r.HandleEvent(protocol.SelfInfo{Name: "MyNode", PublicKey: "feed"})

	var got protocol.SelfInfo
	r.OnSelf(func(info protocol.SelfInfo) { got = info })
	assert.Equal(t, "MyNode", got.Name)
}

func TestRouterListenerPanicIsolated(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))
	r.OnChannelMessage(func(ChannelMessageEvent) { panic("boom") })

	var called bool
	r.OnChannelMessage(func(ChannelMessageEvent) { called = true })

	assert.NotPanics(t, func() {
		r.HandleEvent(protocol.ChannelMessage{ChannelIdx: 0, Text: "x", SenderTime: time.Unix(0, 0)})
	})
	assert.True(t, called)
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))

	calls := 0
	unsub := r.OnChannelMessage(func(ChannelMessageEvent) { calls++ })
	r.HandleEvent(protocol.ChannelMessage{ChannelIdx: 0, Text: "a", SenderTime: time.Unix(0, 0)})
	unsub()
	r.HandleEvent(protocol.ChannelMessage{ChannelIdx: 0, Text: "b", SenderTime: time.Unix(0, 0)})
	assert.Equal(t, 1, calls)
}
