package bridge

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/meshchat/internal/chatstore"
	"github.com/meshcommons/meshchat/internal/protocol"
	"github.com/meshcommons/meshchat/internal/radio"
)

func setup(t *testing.T) (*radio.Router, *chatstore.Store) {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := chatstore.Open(filepath.Join(t.TempDir(), "chat.sqlite3"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	router := radio.NewRouter(log)
	Attach(router, store, log)
	return router, store
}

func TestSelfInfoSetsCurrentUser(t *testing.T) {
	router, store := setup(t)
	router.HandleEvent(protocol.SelfInfo{Name: "MyNode", PublicKey: "feedface"})
	me := store.CurrentUser()
	assert.Equal(t, "MyNode", me.Name)
	assert.Equal(t, "feedface", me.PublicKey)
}

func TestChannelScanPopulatesStore(t *testing.T) {
	router, store := setup(t)
	router.SetChannels([]protocol.ChannelInfo{
		{Index: 0, Name: "Public"},
		{Index: 1, Name: "#bot"},
	})

	channels := store.Channels()
	require.Len(t, channels, 2)
	assert.Equal(t, "Public", channels[0].Name)
	require.NotNil(t, channels[1].Index)
	assert.Equal(t, 1, *channels[1].Index)
}

func TestContactSyncPopulatesStore(t *testing.T) {
	router, store := setup(t)
	router.HandleEvent(protocol.ContactsStart{Count: 2})
	router.HandleEvent(protocol.ContactInfo{PublicKey: "aa11", Name: "Alice"})
	router.HandleEvent(protocol.ContactInfo{PublicKey: "bb22", Name: "Bob"})
	router.HandleEvent(protocol.EndOfContacts{})

	contacts := store.Contacts()
	require.Len(t, contacts, 2)
	assert.Equal(t, "Alice", contacts[0].Name)
}

func TestChannelMessageStoredWithKnownSender(t *testing.T) {
	router, store := setup(t)
	router.HandleEvent(protocol.ContactsStart{Count: 1})
	router.HandleEvent(protocol.ContactInfo{PublicKey: "aabbccdd0011", Name: "Alice"})
	router.HandleEvent(protocol.EndOfContacts{})
	router.SetChannels([]protocol.ChannelInfo{{Index: 0, Name: "Public"}})

	router.HandleEvent(protocol.ChannelMessage{
		ChannelIdx:   0,
		PubKeyPrefix: "aabbccdd0011",
		PathLen:      2,
		SenderTime:   time.Unix(1700000000, 0).UTC(),
		Text:         "hello everyone",
	})

	msgs := store.Messages("channel:0")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello everyone", msgs[0].Text)
	require.NotNil(t, msgs[0].Sender)
	assert.Equal(t, "Alice", msgs[0].Sender.Name)
	require.NotNil(t, msgs[0].PathHops)
	assert.Equal(t, 2, *msgs[0].PathHops)
}

func TestChannelMessageSenderFromTextConvention(t *testing.T) {
	router, store := setup(t)
	router.SetChannels([]protocol.ChannelInfo{{Index: 0, Name: "Public"}})

	router.HandleEvent(protocol.ChannelMessage{
		ChannelIdx: 0,
		PathLen:    protocol.PathLenDirect,
		SenderTime: time.Unix(1700000000, 0).UTC(),
		Text:       "Alice: hi from the text",
	})

	msgs := store.Messages("channel:0")
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Sender)
	assert.Equal(t, "Alice", msgs[0].Sender.Name)
	// Direct delivery carries no hop count.
	assert.Nil(t, msgs[0].PathHops)
}

func TestChannelMessageUnknownSenderFallback(t *testing.T) {
	router, store := setup(t)
	router.SetChannels([]protocol.ChannelInfo{{Index: 0, Name: "Public"}})

	router.HandleEvent(protocol.ChannelMessage{
		ChannelIdx: 0,
		PathLen:    protocol.PathLenDirect,
		SenderTime: time.Unix(1700000000, 0).UTC(),
		Text:       "no convention here",
	})

	msgs := store.Messages("channel:0")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Unknown sender", msgs[0].Sender.Name)
}

func TestChannelMessageCreatesPlaceholderChannel(t *testing.T) {
	router, store := setup(t)

	router.HandleEvent(protocol.ChannelMessage{
		ChannelIdx: 5,
		PathLen:    protocol.PathLenDirect,
		SenderTime: time.Unix(1700000000, 0).UTC(),
		Text:       "early bird",
	})

	ch, ok := store.ChannelByName("Channel 5")
	require.True(t, ok)
	require.NotNil(t, ch.Index)
	assert.Equal(t, 5, *ch.Index)

	// The real name arrives later and replaces the placeholder, while
	// the history stays attached to the slot.
	router.SetChannels([]protocol.ChannelInfo{{Index: 5, Name: "#real"}})
	_, ok = store.ChannelByName("Channel 5")
	assert.False(t, ok)
	msgs := store.Messages("channel:5")
	assert.Len(t, msgs, 1)
}

func TestContactMessageFromUnknownPeer(t *testing.T) {
	router, store := setup(t)
	router.HandleEvent(protocol.SelfInfo{Name: "Me", PublicKey: "ffee"})

	router.HandleEvent(protocol.ContactMessage{
		PubKeyPrefix: "deadbeef0102",
		PathLen:      protocol.PathLenDirect,
		SenderTime:   time.Unix(1700000000, 0).UTC(),
		Text:         "who dis",
	})

	// The transient peer shows up under its key prefix.
	contact, ok := store.ContactByName("deadbeef0102")
	require.True(t, ok)
	msgs := store.Messages(contact.Key())
	require.Len(t, msgs, 1)
	assert.Equal(t, "who dis", msgs[0].Text)
	require.NotNil(t, msgs[0].Receiver)
	assert.Equal(t, "Me", msgs[0].Receiver.Name)
}

func TestContactMessageDeduplicated(t *testing.T) {
	router, store := setup(t)
	router.HandleEvent(protocol.ContactsStart{Count: 1})
	router.HandleEvent(protocol.ContactInfo{PublicKey: "aabbccdd0011", Name: "Alice"})
	router.HandleEvent(protocol.EndOfContacts{})

	msg := protocol.ContactMessage{
		PubKeyPrefix: "aabbccdd0011",
		PathLen:      1,
		SenderTime:   time.Unix(1700000000, 0).UTC(),
		Text:         "ping",
	}
	router.HandleEvent(msg)
	router.HandleEvent(msg)

	contact, ok := store.ContactByName("Alice")
	require.True(t, ok)
	msgs := store.Messages(contact.Key())
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].RepeatCount)
}

func TestDetachStopsUpdates(t *testing.T) {
	log := zaptest.NewLogger(t)
	store, err := chatstore.Open(filepath.Join(t.TempDir(), "chat.sqlite3"), log)
	require.NoError(t, err)
	defer store.Close()

	router := radio.NewRouter(log)
	b := Attach(router, store, log)
	b.Detach()

	router.HandleEvent(protocol.SelfInfo{Name: "Ghost", PublicKey: "00"})
	assert.NotEqual(t, "Ghost", store.CurrentUser().Name)
}
