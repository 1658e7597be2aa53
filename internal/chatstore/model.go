// Package chatstore holds the durable chat state: channels, contacts
// and their message history. Incoming messages are deduplicated by
// content hash so repeater copies collapse into a repeat counter
// instead of showing up twice. State is persisted to SQLite and
// listeners are notified about every visible change.
package chatstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotSupported is returned for operations the companion protocol
// has no counterpart for, such as deleting a contact.
var ErrNotSupported = errors.New("chatstore: operation not supported")

// Container is a thing that holds messages: a channel or a contact.
type Container interface {
	// Key returns the stable identity used to group messages.
	Key() string
	// DisplayName returns the name shown in lists, with the unread
	// counter appended when it is non-zero.
	DisplayName() string
}

// Channel is a shared broadcast slot on the mesh.
type Channel struct {
	Name   string
	Index  *int // on-device slot, nil until learned
	Unread int
}

func (c *Channel) Key() string {
	if c.Index != nil {
		return fmt.Sprintf("channel:%d", *c.Index)
	}
	return "channel:" + c.Name
}

func (c *Channel) DisplayName() string { return displayName(c.Name, c.Unread) }

// Node is a mesh peer, or ourselves.
type Node struct {
	Name      string
	PublicKey string // hex, empty until learned
	Unread    int
}

func (n *Node) Key() string {
	if n.PublicKey != "" {
		return "user:" + n.PublicKey
	}
	return "user:" + n.Name
}

func (n *Node) DisplayName() string { return displayName(n.Name, n.Unread) }

func displayName(name string, unread int) string {
	if unread > 0 {
		return fmt.Sprintf("%s (%d)", name, unread)
	}
	return name
}

// Kind discriminates message rows.
type Kind string

const (
	KindChannel Kind = "channel"
	KindDirect  Kind = "user"
)

// Message is one chat message inside a container.
type Message struct {
	Kind      Kind
	Text      string
	Timestamp time.Time
	Sender    *Node
	Receiver  *Node    // direct messages only
	Channel   *Channel // channel messages only

	// RepeatCount starts at 1 and grows by one for every repeater copy
	// of the same message.
	RepeatCount int

	// PathHops is the number of repeater hops the packet took, nil when
	// it arrived directly.
	PathHops *int
}

// Hash returns the dedup identity of the message. Two packets with the
// same text, sender timestamp and addressing are the same message no
// matter how many repeaters delivered them.
func (m *Message) Hash() string {
	var senderKey, receiverKey, channelKey, ts string
	if m.Sender != nil {
		senderKey = coalesce(m.Sender.PublicKey, m.Sender.Name)
	}
	if m.Receiver != nil {
		receiverKey = coalesce(m.Receiver.PublicKey, m.Receiver.Name)
	}
	if m.Channel != nil {
		if m.Channel.Index != nil {
			channelKey = strconv.Itoa(*m.Channel.Index)
		} else {
			channelKey = m.Channel.Name
		}
	}
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	joined := strings.Join([]string{m.Text, ts, senderKey, receiverKey, channelKey}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// UpdateType tells listeners what happened.
type UpdateType string

const (
	UpdateAdd    UpdateType = "add"
	UpdateChange UpdateType = "update"
	UpdateRemove UpdateType = "remove"
)

// Update is delivered to store listeners. Message is nil for
// container-level events.
type Update struct {
	Type      UpdateType
	Container Container
	Message   *Message
}

// Listener receives store updates. Listeners are called synchronously
// and must not block.
type Listener func(Update)
