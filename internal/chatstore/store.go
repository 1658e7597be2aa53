package chatstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	key      TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	idx      INTEGER,
	unread   INTEGER NOT NULL DEFAULT 0,
	position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	key        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	public_key TEXT NOT NULL DEFAULT '',
	unread     INTEGER NOT NULL DEFAULT 0,
	position   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	container_key TEXT NOT NULL,
	hash          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	text          TEXT NOT NULL,
	ts            TEXT NOT NULL,
	sender_name   TEXT NOT NULL DEFAULT '',
	sender_key    TEXT NOT NULL DEFAULT '',
	receiver_name TEXT NOT NULL DEFAULT '',
	receiver_key  TEXT NOT NULL DEFAULT '',
	repeat_count  INTEGER NOT NULL DEFAULT 1,
	path_hops     INTEGER,
	UNIQUE (container_key, hash)
);

CREATE INDEX IF NOT EXISTS idx_messages_container ON messages (container_key, id);
`

// Store is the chat data store. All exported methods are safe for
// concurrent use. Persistence failures are logged and swallowed so a
// full disk never takes the chat session down with it.
type Store struct {
	log *zap.Logger
	db  *sql.DB

	mu          sync.Mutex
	currentUser *Node
	channels    []*Channel
	contacts    []*Node
	messages    map[string][]*Message
	refs        map[string]map[string]*Message
	listeners   map[int]Listener
	nextID      int
	loading     bool
	importing   bool
	pending     []Update
}

// Open opens (or creates) the store at path and hydrates state from it.
func Open(path string, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("chatstore: mkdir %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("chatstore: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn entirely.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: migrate: %w", err)
	}

	s := &Store{
		log:         log.Named("chatstore"),
		db:          db,
		currentUser: &Node{Name: "MeshCore Operator"},
		messages:    map[string][]*Message{},
		refs:        map[string]map[string]*Message{},
		listeners:   map[int]Listener{},
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// AddListener registers fn for store updates and returns a function
// that removes it again.
func (s *Store) AddListener(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// CurrentUser returns a copy of the node representing ourselves.
func (s *Store) CurrentUser() Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.currentUser
}

// SetCurrentUser records which node we are on the mesh.
func (s *Store) SetCurrentUser(name, publicKey string) {
	s.mu.Lock()
	s.currentUser = &Node{Name: name, PublicKey: publicKey}
	s.persistMeta("current_user_name", name)
	s.persistMeta("current_user_key", publicKey)
	s.mu.Unlock()
}

// Channels returns the channel list in the order they were learned.
func (s *Store) Channels() []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Channel, len(s.channels))
	for i, ch := range s.channels {
		out[i] = *ch
	}
	return out
}

// Contacts returns the contact list sorted by display name.
func (s *Store) Contacts() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Node, len(s.contacts))
	for i, n := range s.contacts {
		out[i] = *n
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Messages returns the message history for a container key, oldest first.
func (s *Store) Messages(containerKey string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[containerKey]
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}

// ChannelByName looks a channel up by its display name.
func (s *Store) ChannelByName(name string) (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.Name == name {
			return *ch, true
		}
	}
	return Channel{}, false
}

// ContactByName looks a contact up by its display name.
func (s *Store) ContactByName(name string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.contacts {
		if n.Name == name {
			return *n, true
		}
	}
	return Node{}, false
}

// ContactByKeyPrefix resolves a public-key prefix to a known contact.
// Matching is case-insensitive.
func (s *Store) ContactByKeyPrefix(prefix string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prefix == "" {
		return Node{}, false
	}
	lower := strings.ToLower(prefix)
	for _, n := range s.contacts {
		if strings.HasPrefix(strings.ToLower(n.PublicKey), lower) {
			return *n, true
		}
	}
	return Node{}, false
}

// EnsureChannel returns the channel with the given name or device slot,
// creating it when unknown. A channel first seen without an index
// adopts the index once it is learned; a placeholder name is replaced
// by the real one. The well-known "public" channel always maps to
// slot 0.
func (s *Store) EnsureChannel(name string, index *int) Channel {
	s.mu.Lock()
	ch := s.ensureChannel(name, index)
	out := *ch
	s.unlockAndNotify()
	return out
}

// EnsureContact returns the contact with the given identity, creating
// it when unknown. A contact known only by name adopts the public key
// once it is learned; a known key wins over a changed display name.
func (s *Store) EnsureContact(name, publicKey string) Node {
	s.mu.Lock()
	n := s.ensureContact(name, publicKey)
	out := *n
	s.unlockAndNotify()
	return out
}

// Append stores a message in the given container. An unknown container
// is registered on the fly. When the message hash matches an earlier
// message, only that message's repeat counter grows and no add event
// fires.
func (s *Store) Append(container Container, m *Message) {
	s.mu.Lock()
	key := container.Key()
	c := s.lookup(key)
	if c == nil {
		s.register(container, false)
		c = container
	}

	hash := m.Hash()
	if ref := s.refs[key][hash]; ref != nil {
		ref.RepeatCount++
		s.persistRepeat(key, hash, ref.RepeatCount)
		s.log.Info("repeater duplicate",
			zap.Int("count", ref.RepeatCount),
			zap.String("container", key),
			zap.String("text", m.Text))
		s.unlockAndNotify()
		return
	}

	m.RepeatCount = 1
	s.messages[key] = append(s.messages[key], m)
	if s.refs[key] == nil {
		s.refs[key] = map[string]*Message{}
	}
	s.refs[key][hash] = m
	s.persistMessage(key, hash, m)

	// History replayed from the old log is not new mail.
	if !s.importing && s.isInbound(m) {
		s.incrementUnread(c)
	}
	s.pending = append(s.pending, Update{Type: UpdateAdd, Container: c, Message: m})
	s.unlockAndNotify()
}

// ClearUnread resets the unread counter of a container.
func (s *Store) ClearUnread(containerKey string) {
	s.mu.Lock()
	if c := s.lookup(containerKey); c != nil {
		switch v := c.(type) {
		case *Channel:
			v.Unread = 0
			s.persistChannel(v, -1)
		case *Node:
			v.Unread = 0
			s.persistContact(v, -1)
		}
		s.pending = append(s.pending, Update{Type: UpdateChange, Container: c})
	}
	s.unlockAndNotify()
}

// RemoveContainer is not supported: the companion protocol has no way
// to delete contacts or channels from the device.
func (s *Store) RemoveContainer(Container) error { return ErrNotSupported }

// ── internals, caller holds mu ──

func (s *Store) ensureChannel(name string, index *int) *Channel {
	if index == nil && strings.EqualFold(name, "public") {
		zero := 0
		index = &zero
	}
	if index != nil {
		for _, ch := range s.channels {
			if ch.Index != nil && *ch.Index == *index {
				if ch.Name != name && name != "" {
					ch.Name = name
					s.persistChannel(ch, -1)
					s.pending = append(s.pending, Update{Type: UpdateChange, Container: ch})
				}
				return ch
			}
		}
	}
	for _, ch := range s.channels {
		if ch.Name != name {
			continue
		}
		// Two distinct device slots may share a display name.
		if ch.Index != nil && index != nil {
			continue
		}
		if ch.Index == nil && index != nil {
			oldKey := ch.Key()
			ch.Index = index
			s.rekey(oldKey, ch.Key())
			s.persistChannel(ch, -1)
		}
		return ch
	}
	ch := &Channel{Name: name, Index: index}
	s.register(ch, !s.loading)
	return ch
}

func (s *Store) ensureContact(name, publicKey string) *Node {
	if publicKey != "" {
		for _, n := range s.contacts {
			if n.PublicKey == publicKey {
				if name != "" && n.Name != name {
					n.Name = name
					s.persistContact(n, -1)
					s.pending = append(s.pending, Update{Type: UpdateChange, Container: n})
				}
				return n
			}
		}
	}
	for _, n := range s.contacts {
		if n.Name != name {
			continue
		}
		if publicKey != "" && n.PublicKey != "" {
			continue
		}
		if publicKey != "" {
			oldKey := n.Key()
			n.PublicKey = publicKey
			s.rekey(oldKey, n.Key())
			s.persistContact(n, -1)
		}
		return n
	}
	n := &Node{Name: name, PublicKey: publicKey}
	s.register(n, !s.loading)
	return n
}

func (s *Store) lookup(key string) Container {
	for _, ch := range s.channels {
		if ch.Key() == key {
			return ch
		}
	}
	for _, n := range s.contacts {
		if n.Key() == key {
			return n
		}
	}
	return nil
}

func (s *Store) register(c Container, notify bool) {
	switch v := c.(type) {
	case *Channel:
		s.channels = append(s.channels, v)
		if !s.loading {
			s.persistChannel(v, len(s.channels)-1)
		}
	case *Node:
		s.contacts = append(s.contacts, v)
		if !s.loading {
			s.persistContact(v, len(s.contacts)-1)
		}
	}
	key := c.Key()
	if s.messages[key] == nil {
		s.messages[key] = []*Message{}
	}
	if s.refs[key] == nil {
		s.refs[key] = map[string]*Message{}
	}
	if notify {
		s.pending = append(s.pending, Update{Type: UpdateAdd, Container: c})
	}
}

// rekey moves a container's message history when its identity key
// changes, e.g. when a channel learns its device slot.
func (s *Store) rekey(oldKey, newKey string) {
	if oldKey == newKey {
		return
	}
	s.messages[newKey] = s.messages[oldKey]
	s.refs[newKey] = s.refs[oldKey]
	delete(s.messages, oldKey)
	delete(s.refs, oldKey)

	s.exec(`UPDATE channels SET key = ? WHERE key = ?`, newKey, oldKey)
	s.exec(`UPDATE contacts SET key = ? WHERE key = ?`, newKey, oldKey)
	s.exec(`UPDATE messages SET container_key = ? WHERE container_key = ?`, newKey, oldKey)
}

func (s *Store) isInbound(m *Message) bool {
	if m.Sender == nil {
		return true
	}
	me := coalesce(s.currentUser.PublicKey, s.currentUser.Name)
	them := coalesce(m.Sender.PublicKey, m.Sender.Name)
	return me == "" || me != them
}

func (s *Store) incrementUnread(c Container) {
	switch v := c.(type) {
	case *Channel:
		v.Unread++
		s.persistChannel(v, -1)
	case *Node:
		v.Unread++
		s.persistContact(v, -1)
	}
}

// unlockAndNotify releases mu and delivers pending updates. Listeners
// run outside the lock so they may call back into the store.
func (s *Store) unlockAndNotify() {
	updates := s.pending
	s.pending = nil
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, u := range updates {
		for _, fn := range fns {
			s.safeNotify(fn, u)
		}
	}
}

func (s *Store) safeNotify(fn Listener, u Update) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("listener panicked", zap.Any("panic", r))
		}
	}()
	fn(u)
}

// ── persistence, errors logged and swallowed ──

func (s *Store) exec(query string, args ...any) {
	if s.loading {
		return
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		s.log.Warn("persist failed", zap.Error(err))
	}
}

func (s *Store) persistMeta(k, v string) {
	s.exec(`INSERT INTO meta (k, v) VALUES (?, ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v`, k, v)
}

func (s *Store) persistChannel(ch *Channel, position int) {
	var idx any
	if ch.Index != nil {
		idx = *ch.Index
	}
	if position < 0 {
		s.exec(`UPDATE channels SET name = ?, idx = ?, unread = ? WHERE key = ?`,
			ch.Name, idx, ch.Unread, ch.Key())
		return
	}
	s.exec(`INSERT INTO channels (key, name, idx, unread, position) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET name = excluded.name, idx = excluded.idx,
		unread = excluded.unread`,
		ch.Key(), ch.Name, idx, ch.Unread, position)
}

func (s *Store) persistContact(n *Node, position int) {
	if position < 0 {
		s.exec(`UPDATE contacts SET name = ?, public_key = ?, unread = ? WHERE key = ?`,
			n.Name, n.PublicKey, n.Unread, n.Key())
		return
	}
	s.exec(`INSERT INTO contacts (key, name, public_key, unread, position) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET name = excluded.name,
		public_key = excluded.public_key, unread = excluded.unread`,
		n.Key(), n.Name, n.PublicKey, n.Unread, position)
}

func (s *Store) persistMessage(key, hash string, m *Message) {
	var senderName, senderKey, receiverName, receiverKey string
	if m.Sender != nil {
		senderName, senderKey = m.Sender.Name, m.Sender.PublicKey
	}
	if m.Receiver != nil {
		receiverName, receiverKey = m.Receiver.Name, m.Receiver.PublicKey
	}
	var hops any
	if m.PathHops != nil {
		hops = *m.PathHops
	}
	s.exec(`INSERT INTO messages
		(container_key, hash, kind, text, ts, sender_name, sender_key,
		 receiver_name, receiver_key, repeat_count, path_hops)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (container_key, hash) DO UPDATE SET repeat_count = excluded.repeat_count`,
		key, hash, string(m.Kind), m.Text, m.Timestamp.UTC().Format(time.RFC3339Nano),
		senderName, senderKey, receiverName, receiverKey, m.RepeatCount, hops)
}

func (s *Store) persistRepeat(key, hash string, count int) {
	s.exec(`UPDATE messages SET repeat_count = ? WHERE container_key = ? AND hash = ?`,
		count, key, hash)
}

// load hydrates in-memory state from the database.
func (s *Store) load() error {
	s.loading = true
	defer func() { s.loading = false }()

	var name, key string
	row := s.db.QueryRow(`SELECT v FROM meta WHERE k = 'current_user_name'`)
	if err := row.Scan(&name); err == nil && name != "" {
		_ = s.db.QueryRow(`SELECT v FROM meta WHERE k = 'current_user_key'`).Scan(&key)
		s.currentUser = &Node{Name: name, PublicKey: key}
	}

	if err := s.loadChannels(); err != nil {
		return err
	}
	if err := s.loadContacts(); err != nil {
		return err
	}
	return s.loadMessages()
}

func (s *Store) loadChannels() error {
	rows, err := s.db.Query(`SELECT name, idx, unread FROM channels ORDER BY position`)
	if err != nil {
		return fmt.Errorf("chatstore: load channels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		ch := &Channel{}
		var idx sql.NullInt64
		if err := rows.Scan(&ch.Name, &idx, &ch.Unread); err != nil {
			return fmt.Errorf("chatstore: scan channel: %w", err)
		}
		if idx.Valid {
			v := int(idx.Int64)
			ch.Index = &v
		}
		s.register(ch, false)
	}
	return rows.Err()
}

func (s *Store) loadContacts() error {
	rows, err := s.db.Query(`SELECT name, public_key, unread FROM contacts ORDER BY position`)
	if err != nil {
		return fmt.Errorf("chatstore: load contacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		n := &Node{}
		if err := rows.Scan(&n.Name, &n.PublicKey, &n.Unread); err != nil {
			return fmt.Errorf("chatstore: scan contact: %w", err)
		}
		s.register(n, false)
	}
	return rows.Err()
}

func (s *Store) loadMessages() error {
	rows, err := s.db.Query(`SELECT container_key, hash, kind, text, ts,
		sender_name, sender_key, receiver_name, receiver_key, repeat_count, path_hops
		FROM messages ORDER BY id`)
	if err != nil {
		return fmt.Errorf("chatstore: load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key, hash, kind, text, ts string
			senderName, senderKey     string
			receiverName, receiverKey string
			repeat                    int
			hops                      sql.NullInt64
		)
		if err := rows.Scan(&key, &hash, &kind, &text, &ts,
			&senderName, &senderKey, &receiverName, &receiverKey, &repeat, &hops); err != nil {
			return fmt.Errorf("chatstore: scan message: %w", err)
		}
		c := s.lookup(key)
		if c == nil {
			s.log.Warn("message for unknown container", zap.String("key", key))
			continue
		}
		when, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			when = time.Now().UTC()
		}
		m := &Message{
			Kind:        Kind(kind),
			Text:        text,
			Timestamp:   when,
			RepeatCount: repeat,
		}
		if senderName != "" || senderKey != "" {
			m.Sender = &Node{Name: senderName, PublicKey: senderKey}
		}
		if receiverName != "" || receiverKey != "" {
			m.Receiver = &Node{Name: receiverName, PublicKey: receiverKey}
		}
		if ch, ok := c.(*Channel); ok {
			m.Channel = ch
		}
		if hops.Valid {
			v := int(hops.Int64)
			m.PathHops = &v
		}
		s.messages[key] = append(s.messages[key], m)
		s.refs[key][hash] = m
	}
	return rows.Err()
}
