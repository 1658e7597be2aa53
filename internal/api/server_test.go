package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/meshchat/internal/chatstore"
	"github.com/meshcommons/meshchat/internal/radio"
)

type stubRadio struct {
	mu        sync.Mutex
	connected bool
	channel   []string
	direct    []string
	adverts   int
	refreshes []string
}

func (s *stubRadio) Status() radio.Status {
	return radio.Status{Message: "Connected", State: radio.StateConnected}
}

func (s *stubRadio) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubRadio) SendDirect(_ context.Context, publicKey, text string) error {
	s.mu.Lock()
	s.direct = append(s.direct, text)
	s.mu.Unlock()
	return nil
}

func (s *stubRadio) SendChannel(_ context.Context, idx int, text string) error {
	s.mu.Lock()
	s.channel = append(s.channel, text)
	s.mu.Unlock()
	return nil
}

func (s *stubRadio) SendAdvert(context.Context, bool) error {
	s.mu.Lock()
	s.adverts++
	s.mu.Unlock()
	return nil
}

func (s *stubRadio) RefreshContacts(context.Context) error {
	s.mu.Lock()
	s.refreshes = append(s.refreshes, "contacts")
	s.mu.Unlock()
	return nil
}

func (s *stubRadio) RefreshChannels(context.Context) error {
	s.mu.Lock()
	s.refreshes = append(s.refreshes, "channels")
	s.mu.Unlock()
	return nil
}

func intp(v int) *int { return &v }

func setup(t *testing.T) (*httptest.Server, *chatstore.Store, *stubRadio) {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := chatstore.Open(filepath.Join(t.TempDir(), "chat.sqlite3"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctl := &stubRadio{connected: true}
	srv := NewServer("127.0.0.1:0", store, ctl, log)
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts, store, ctl
}

func TestStatusEndpoint(t *testing.T) {
	ts, _, _ := setup(t)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dto statusDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dto))
	assert.Equal(t, "connected", dto.State)
	assert.True(t, dto.Connected)
}

func TestChannelsAndMessagesEndpoints(t *testing.T) {
	ts, store, _ := setup(t)
	ch := store.EnsureChannel("Public", intp(0))
	store.Append(&ch, &chatstore.Message{
		Kind: chatstore.KindChannel, Text: "hi", Timestamp: time.Now().UTC(),
		Sender: &chatstore.Node{Name: "Alice"}, Channel: &ch,
	})

	resp, err := http.Get(ts.URL + "/api/v1/channels")
	require.NoError(t, err)
	defer resp.Body.Close()
	var channels []channelDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&channels))
	require.Len(t, channels, 1)
	assert.Equal(t, "channel:0", channels[0].Key)
	assert.Equal(t, 1, channels[0].Unread)

	resp, err = http.Get(ts.URL + "/api/v1/messages?container=channel:0")
	require.NoError(t, err)
	defer resp.Body.Close()
	var msgs []messageDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "Alice", msgs[0].Sender)
}

func TestSendChannelMessage(t *testing.T) {
	ts, store, ctl := setup(t)
	store.EnsureChannel("Public", intp(0))

	body, _ := json.Marshal(sendRequest{Kind: "channel", Target: "Public", Text: "outbound"})
	resp, err := http.Post(ts.URL+"/api/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The local echo lands immediately.
	msgs := store.Messages("channel:0")
	require.Len(t, msgs, 1)
	assert.Equal(t, "outbound", msgs[0].Text)

	// The radio send is asynchronous.
	require.Eventually(t, func() bool {
		ctl.mu.Lock()
		defer ctl.mu.Unlock()
		return len(ctl.channel) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	ts, store, ctl := setup(t)
	store.EnsureChannel("Public", intp(0))
	ctl.mu.Lock()
	ctl.connected = false
	ctl.mu.Unlock()

	body, _ := json.Marshal(sendRequest{Kind: "channel", Target: "Public", Text: "nope"})
	resp, err := http.Post(ts.URL+"/api/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, store.Messages("channel:0"))
}

func TestSendDirectRequiresPublicKey(t *testing.T) {
	ts, store, _ := setup(t)
	store.EnsureContact("Mystery", "")

	body, _ := json.Marshal(sendRequest{Kind: "direct", Target: "Mystery", Text: "hello"})
	resp, err := http.Post(ts.URL+"/api/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRefreshEndpoints(t *testing.T) {
	ts, _, ctl := setup(t)

	resp, err := http.Post(ts.URL+"/api/v1/refresh/contacts", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/v1/refresh/channels", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		ctl.mu.Lock()
		defer ctl.mu.Unlock()
		return len(ctl.refreshes) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestRemoveContainerNotImplemented(t *testing.T) {
	ts, _, _ := setup(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/containers/channel:0", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestReadClearsUnread(t *testing.T) {
	ts, store, _ := setup(t)
	ch := store.EnsureChannel("Public", intp(0))
	store.Append(&ch, &chatstore.Message{
		Kind: chatstore.KindChannel, Text: "hi", Timestamp: time.Now().UTC(),
		Sender: &chatstore.Node{Name: "Alice"}, Channel: &ch,
	})

	body, _ := json.Marshal(map[string]string{"container": "channel:0"})
	resp, err := http.Post(ts.URL+"/api/v1/read", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	channels := store.Channels()
	require.Len(t, channels, 1)
	assert.Zero(t, channels[0].Unread)
}
