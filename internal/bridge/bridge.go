// Package bridge feeds radio events into the chat data store. It owns
// the translation from wire-level identities (key prefixes, channel
// slots) to store containers, including the fallbacks for senders the
// device does not know.
package bridge

import (
	"strings"

	"go.uber.org/zap"

	"github.com/meshcommons/meshchat/internal/chatstore"
	"github.com/meshcommons/meshchat/internal/protocol"
	"github.com/meshcommons/meshchat/internal/radio"
)

// Bridge wires a router to a store. Detach unsubscribes everything.
type Bridge struct {
	store *chatstore.Store
	log   *zap.Logger
	unsub []func()
}

// Attach subscribes the store to all router event streams and returns
// the bridge for later detachment.
func Attach(router *radio.Router, store *chatstore.Store, log *zap.Logger) *Bridge {
	b := &Bridge{store: store, log: log.Named("bridge")}
	b.unsub = append(b.unsub,
		router.OnSelf(b.handleSelf),
		router.OnChannels(b.handleChannels),
		router.OnContacts(b.handleContacts),
		router.OnChannelMessage(b.handleChannelMessage),
		router.OnContactMessage(b.handleContactMessage),
	)
	return b
}

// Detach removes all subscriptions.
func (b *Bridge) Detach() {
	for _, fn := range b.unsub {
		fn()
	}
	b.unsub = nil
}

func (b *Bridge) handleSelf(info protocol.SelfInfo) {
	name := info.Name
	if name == "" {
		name = "MeshCore Operator"
	}
	b.store.SetCurrentUser(name, info.PublicKey)
}

func (b *Bridge) handleChannels(channels []protocol.ChannelInfo) {
	for _, info := range channels {
		idx := info.Index
		b.store.EnsureChannel(info.Name, &idx)
	}
}

func (b *Bridge) handleContacts(contacts []protocol.ContactInfo) {
	for _, info := range contacts {
		b.store.EnsureContact(info.Name, info.PublicKey)
	}
}

func (b *Bridge) handleChannelMessage(ev radio.ChannelMessageEvent) {
	idx := ev.Channel.Index
	channel := b.store.EnsureChannel(ev.Channel.Name, &idx)
	sender := b.resolveSender(ev)

	msg := &chatstore.Message{
		Kind:      chatstore.KindChannel,
		Text:      ev.Text,
		Timestamp: ev.Timestamp,
		Sender:    sender,
		Channel:   &channel,
	}
	annotateHops(msg, ev.PathLen)
	b.store.Append(&channel, msg)
}

func (b *Bridge) handleContactMessage(ev radio.ContactMessageEvent) {
	var contact chatstore.Node
	if ev.Contact != nil {
		contact = b.store.EnsureContact(ev.Contact.Name, ev.Contact.PublicKey)
	} else {
		// Sender not in the contact table yet: show the key prefix
		// until an advert or contact sync names it.
		name := ev.SenderPrefix
		if name == "" {
			name = "Unknown sender"
		}
		contact = chatstore.Node{Name: name}
	}
	me := b.store.CurrentUser()

	msg := &chatstore.Message{
		Kind:      chatstore.KindDirect,
		Text:      ev.Text,
		Timestamp: ev.Timestamp,
		Sender:    &chatstore.Node{Name: contact.Name, PublicKey: contact.PublicKey},
		Receiver:  &me,
	}
	annotateHops(msg, ev.PathLen)
	b.store.Append(&contact, msg)
}

// resolveSender names the author of a channel message. Channel packets
// carry no sender identity, so this falls back from the resolved
// contact to the key prefix to the "name:" convention in the text.
func (b *Bridge) resolveSender(ev radio.ChannelMessageEvent) *chatstore.Node {
	if ev.Contact != nil {
		n := b.store.EnsureContact(ev.Contact.Name, ev.Contact.PublicKey)
		return &chatstore.Node{Name: n.Name, PublicKey: n.PublicKey}
	}
	if ev.SenderPrefix != "" {
		return &chatstore.Node{Name: ev.SenderPrefix}
	}
	if name, _, found := strings.Cut(ev.Text, ":"); found {
		name = strings.TrimSpace(name)
		if name != "" {
			return &chatstore.Node{Name: name}
		}
	}
	return &chatstore.Node{Name: "Unknown sender"}
}

func annotateHops(msg *chatstore.Message, pathLen uint8) {
	if pathLen == protocol.PathLenDirect {
		return
	}
	hops := int(pathLen)
	msg.PathHops = &hops
}
