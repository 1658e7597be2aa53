package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/meshchat/internal/protocol"
)

func nextEvent(t *testing.T, link Link) protocol.Event {
	t.Helper()
	select {
	case payload := <-link.Frames():
		ev, err := protocol.Decode(payload)
		require.NoError(t, err)
		return ev
	case <-time.After(time.Second):
		t.Fatal("no frame from fake link")
		return nil
	}
}

func TestFakeLinkHandshake(t *testing.T) {
	link := NewFakeLink(zaptest.NewLogger(t))
	require.NoError(t, link.Connect(context.Background()))
	defer link.Disconnect()

	require.NoError(t, link.Send(protocol.EncodeAppStart("test")))
	self, ok := nextEvent(t, link).(protocol.SelfInfo)
	require.True(t, ok)
	assert.Equal(t, "FakeNode", self.Name)
	assert.Len(t, self.PublicKey, 64)

	require.NoError(t, link.Send(protocol.EncodeDeviceQuery()))
	info, ok := nextEvent(t, link).(protocol.DeviceInfo)
	require.True(t, ok)
	assert.Equal(t, 2, info.MaxChannels)
}

func TestFakeLinkContacts(t *testing.T) {
	link := NewFakeLink(zaptest.NewLogger(t))
	require.NoError(t, link.Connect(context.Background()))
	defer link.Disconnect()

	require.NoError(t, link.Send(protocol.EncodeGetContacts(time.Time{})))

	start, ok := nextEvent(t, link).(protocol.ContactsStart)
	require.True(t, ok)
	assert.Equal(t, 1, start.Count)

	contact, ok := nextEvent(t, link).(protocol.ContactInfo)
	require.True(t, ok)
	assert.Equal(t, "Fake Peer", contact.Name)
	assert.Equal(t, FakeContactKey, contact.PublicKey)

	_, ok = nextEvent(t, link).(protocol.EndOfContacts)
	assert.True(t, ok)
}

func TestFakeLinkChannelsAndSend(t *testing.T) {
	link := NewFakeLink(zaptest.NewLogger(t))
	require.NoError(t, link.Connect(context.Background()))
	defer link.Disconnect()

	require.NoError(t, link.Send(protocol.EncodeGetChannel(0)))
	ch, ok := nextEvent(t, link).(protocol.ChannelInfo)
	require.True(t, ok)
	assert.Equal(t, "Public", ch.Name)

	require.NoError(t, link.Send(protocol.EncodeGetChannel(1)))
	_, ok = nextEvent(t, link).(protocol.ErrResponse)
	assert.True(t, ok)

	require.NoError(t, link.Send(protocol.EncodeSendChannel(0, "hi", time.Now())))
	sent, ok := nextEvent(t, link).(protocol.SendResult)
	require.True(t, ok)
	assert.Equal(t, uint32(1), sent.AckCode)

	require.NoError(t, link.Send(protocol.EncodeSyncNextMessage()))
	_, ok = nextEvent(t, link).(protocol.NoMoreMessages)
	assert.True(t, ok)
}

func TestFakeLinkDisconnectedSendFails(t *testing.T) {
	link := NewFakeLink(zaptest.NewLogger(t))
	assert.ErrorIs(t, link.Send([]byte{0x01}), ErrNotConnected)
}

func TestIsMACAddress(t *testing.T) {
	assert.True(t, IsMACAddress("AA:BB:CC:DD:EE:FF"))
	assert.True(t, IsMACAddress("aa:bb:cc:dd:ee:ff"))
	assert.False(t, IsMACAddress("MeshCore-abc"))
	assert.False(t, IsMACAddress("AA:BB:CC"))
}
