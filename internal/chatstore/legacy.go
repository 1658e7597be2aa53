package chatstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// Legacy flat-JSON state file layout, as written by earlier releases.
type legacyDoc struct {
	CurrentUser *legacyNode     `json:"current_user"`
	Channels    []legacyChannel `json:"channels"`
	Contacts    []legacyNode    `json:"contacts"`
	Messages    []legacyMessage `json:"messages"`
}

type legacyChannel struct {
	Name  string `json:"name"`
	Index *int   `json:"index"`
}

type legacyNode struct {
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key"`
}

type legacyMessage struct {
	ContainerKey     string      `json:"container_key"`
	Type             string      `json:"type"`
	Text             string      `json:"text"`
	Timestamp        string      `json:"timestamp"`
	Sender           *legacyNode `json:"sender"`
	Receiver         *legacyNode `json:"receiver"`
	ChannelName      string      `json:"channel_name"`
	ChannelIndex     *int        `json:"channel_index"`
	ContactName      string      `json:"contact_name"`
	ContactPublicKey string      `json:"contact_public_key"`
}

// ImportLegacy loads chat history from the deprecated flat-JSON state
// file. It only runs against an empty store so an already-migrated
// database is never touched. Returns the number of imported messages.
func (s *Store) ImportLegacy(path string) (int, error) {
	s.mu.Lock()
	empty := len(s.channels) == 0 && len(s.contacts) == 0
	s.mu.Unlock()
	if !empty {
		return 0, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("chatstore: read legacy log %s: %w", path, err)
	}

	var doc legacyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("chatstore: parse legacy log %s: %w", path, err)
	}

	s.mu.Lock()
	s.importing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.importing = false
		s.mu.Unlock()
	}()

	if doc.CurrentUser != nil && doc.CurrentUser.DisplayName != "" {
		s.SetCurrentUser(doc.CurrentUser.DisplayName, doc.CurrentUser.PublicKey)
	}
	for _, ch := range doc.Channels {
		s.EnsureChannel(ch.Name, ch.Index)
	}
	for _, n := range doc.Contacts {
		s.EnsureContact(n.DisplayName, n.PublicKey)
	}

	imported := 0
	for _, entry := range doc.Messages {
		if s.importLegacyMessage(entry) {
			imported++
		}
	}
	s.log.Info("imported legacy chat log",
		zap.String("path", path), zap.Int("messages", imported))
	return imported, nil
}

func (s *Store) importLegacyMessage(entry legacyMessage) bool {
	m := &Message{
		Text:      entry.Text,
		Timestamp: parseLegacyTime(entry.Timestamp),
	}
	if entry.Sender != nil {
		m.Sender = &Node{Name: entry.Sender.DisplayName, PublicKey: entry.Sender.PublicKey}
	}

	if entry.Type == "channel" {
		ch := s.EnsureChannel(entry.ChannelName, entry.ChannelIndex)
		m.Kind = KindChannel
		m.Channel = &ch
		s.Append(&ch, m)
		return true
	}

	contact := s.EnsureContact(entry.ContactName, entry.ContactPublicKey)
	m.Kind = KindDirect
	if entry.Receiver != nil {
		m.Receiver = &Node{Name: entry.Receiver.DisplayName, PublicKey: entry.Receiver.PublicKey}
	} else {
		me := s.CurrentUser()
		m.Receiver = &me
	}
	s.Append(&contact, m)
	return true
}

// parseLegacyTime accepts the ISO timestamps the old format wrote,
// with or without a zone suffix.
func parseLegacyTime(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", raw); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
