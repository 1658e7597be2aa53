// Package api exposes the chat state and radio controls over a local
// HTTP endpoint: REST reads for channels, contacts and history, posts
// for sending, and a websocket stream of store updates for live UIs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshcommons/meshchat/internal/chatstore"
	"github.com/meshcommons/meshchat/internal/radio"
)

// RadioControl is the slice of the session the API needs.
type RadioControl interface {
	Status() radio.Status
	IsConnected() bool
	SendDirect(ctx context.Context, publicKey, text string) error
	SendChannel(ctx context.Context, channelIdx int, text string) error
	SendAdvert(ctx context.Context, flood bool) error
	RefreshContacts(ctx context.Context) error
	RefreshChannels(ctx context.Context) error
}

// Server serves the local API.
type Server struct {
	store *chatstore.Store
	ctl   RadioControl
	log   *zap.Logger

	upgrader websocket.Upgrader
	http     *http.Server
}

func NewServer(addr string, store *chatstore.Store, ctl RadioControl, log *zap.Logger) *Server {
	s := &Server{
		store: store,
		ctl:   ctl,
		log:   log.Named("api"),
		upgrader: websocket.Upgrader{
			// Local endpoint; browsers on the same host are fine.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/channels", s.handleChannels)
		r.Get("/contacts", s.handleContacts)
		r.Get("/messages", s.handleMessages)
		r.Post("/messages", s.handleSend)
		r.Post("/advert", s.handleAdvert)
		r.Post("/refresh/contacts", s.handleRefreshContacts)
		r.Post("/refresh/channels", s.handleRefreshChannels)
		r.Post("/read", s.handleRead)
		r.Delete("/containers/{key}", s.handleRemoveContainer)
		r.Get("/events", s.handleEvents)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	s.log.Info("api listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// ── handlers ──

type statusDTO struct {
	Message   string `json:"message"`
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.Status()
	writeJSON(w, http.StatusOK, statusDTO{
		Message:   st.Message,
		Current:   st.Current,
		Total:     st.Total,
		State:     string(st.State),
		Connected: s.ctl.IsConnected(),
	})
}

type channelDTO struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Index  *int   `json:"index"`
	Unread int    `json:"unread"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.store.Channels()
	out := make([]channelDTO, len(channels))
	for i, ch := range channels {
		out[i] = channelDTO{Key: ch.Key(), Name: ch.Name, Index: ch.Index, Unread: ch.Unread}
	}
	writeJSON(w, http.StatusOK, out)
}

type contactDTO struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
	Unread    int    `json:"unread"`
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts := s.store.Contacts()
	out := make([]contactDTO, len(contacts))
	for i, n := range contacts {
		out[i] = contactDTO{Key: n.Key(), Name: n.Name, PublicKey: n.PublicKey, Unread: n.Unread}
	}
	writeJSON(w, http.StatusOK, out)
}

type messageDTO struct {
	Kind        string    `json:"kind"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	RepeatCount int       `json:"repeat_count"`
	PathHops    *int      `json:"path_hops,omitempty"`
}

func toMessageDTO(m chatstore.Message) messageDTO {
	dto := messageDTO{
		Kind:        string(m.Kind),
		Text:        m.Text,
		Timestamp:   m.Timestamp,
		RepeatCount: m.RepeatCount,
		PathHops:    m.PathHops,
	}
	if m.Sender != nil {
		dto.Sender = m.Sender.Name
	}
	if m.Receiver != nil {
		dto.Receiver = m.Receiver.Name
	}
	if m.Channel != nil {
		dto.Channel = m.Channel.Name
	}
	return dto
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("container")
	if key == "" {
		writeError(w, http.StatusBadRequest, "container query parameter required")
		return
	}
	msgs := s.store.Messages(key)
	out := make([]messageDTO, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageDTO(m)
	}
	writeJSON(w, http.StatusOK, out)
}

type sendRequest struct {
	Kind   string `json:"kind"` // "channel" or "direct"
	Target string `json:"target"`
	Text   string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	if !s.ctl.IsConnected() {
		writeError(w, http.StatusServiceUnavailable, "radio not connected")
		return
	}

	switch req.Kind {
	case "channel":
		s.sendChannel(w, req)
	case "direct":
		s.sendDirect(w, req)
	default:
		writeError(w, http.StatusBadRequest, "kind must be channel or direct")
	}
}

func (s *Server) sendChannel(w http.ResponseWriter, req sendRequest) {
	channel, ok := s.store.ChannelByName(req.Target)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel "+req.Target)
		return
	}
	if channel.Index == nil {
		writeError(w, http.StatusConflict, "channel has no device slot yet")
		return
	}

	me := s.store.CurrentUser()
	msg := &chatstore.Message{
		Kind:      chatstore.KindChannel,
		Text:      req.Text,
		Timestamp: time.Now().UTC(),
		Sender:    &me,
		Channel:   &channel,
	}
	s.store.Append(&channel, msg)

	idx := *channel.Index
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.ctl.SendChannel(ctx, idx, req.Text); err != nil {
			s.log.Error("channel send failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sending"})
}

func (s *Server) sendDirect(w http.ResponseWriter, req sendRequest) {
	contact, ok := s.store.ContactByName(req.Target)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown contact "+req.Target)
		return
	}
	if contact.PublicKey == "" {
		writeError(w, http.StatusConflict, "contact has no public key")
		return
	}

	me := s.store.CurrentUser()
	msg := &chatstore.Message{
		Kind:      chatstore.KindDirect,
		Text:      req.Text,
		Timestamp: time.Now().UTC(),
		Sender:    &me,
		Receiver:  &contact,
	}
	s.store.Append(&contact, msg)

	key := contact.PublicKey
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.ctl.SendDirect(ctx, key, req.Text); err != nil {
			s.log.Error("direct send failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sending"})
}

func (s *Server) handleAdvert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Flood bool `json:"flood"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if !s.ctl.IsConnected() {
		writeError(w, http.StatusServiceUnavailable, "radio not connected")
		return
	}
	flood := req.Flood
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.ctl.SendAdvert(ctx, flood); err != nil {
			s.log.Error("advert failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sending"})
}

func (s *Server) handleRefreshContacts(w http.ResponseWriter, r *http.Request) {
	s.handleRefresh(w, "contact refresh failed", s.ctl.RefreshContacts)
}

func (s *Server) handleRefreshChannels(w http.ResponseWriter, r *http.Request) {
	s.handleRefresh(w, "channel refresh failed", s.ctl.RefreshChannels)
}

func (s *Server) handleRefresh(w http.ResponseWriter, failMsg string, fn func(context.Context) error) {
	if !s.ctl.IsConnected() {
		writeError(w, http.StatusServiceUnavailable, "radio not connected")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Error(failMsg, zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Container string `json:"container"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Container == "" {
		writeError(w, http.StatusBadRequest, "container required")
		return
	}
	s.store.ClearUnread(req.Container)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	err := s.store.RemoveContainer(nil)
	if errors.Is(err, chatstore.ErrNotSupported) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── websocket event stream ──

type eventDTO struct {
	Type      string      `json:"type"`
	Container string      `json:"container"`
	Name      string      `json:"name"`
	Message   *messageDTO `json:"message,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events := make(chan eventDTO, 64)
	unsub := s.store.AddListener(func(u chatstore.Update) {
		dto := eventDTO{
			Type:      string(u.Type),
			Container: u.Container.Key(),
			Name:      u.Container.DisplayName(),
		}
		if u.Message != nil {
			m := toMessageDTO(*u.Message)
			dto.Message = &m
		}
		select {
		case events <- dto:
		default:
			// Slow consumers lose events rather than stalling the store.
		}
	})
	defer unsub()

	// Discard inbound frames, but notice the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// ── helpers ──

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
