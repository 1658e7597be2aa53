package radio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/meshcommons/meshchat/internal/config"
	"github.com/meshcommons/meshchat/internal/protocol"
	"github.com/meshcommons/meshchat/internal/transport"
)

// State is the session lifecycle phase.
type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateLoadingContacts    State = "loading_contacts"
	StateRefreshingChannels State = "refreshing_channels"
	StateSyncing            State = "syncing"
	StateConnected          State = "connected"
	StateError              State = "error"
	StateFake               State = "fake"
)

// Status is a progress snapshot for presentation layers. Current and
// Total carry step progress during multi-step phases and are zero
// otherwise.
type Status struct {
	Message string
	Current int
	Total   int
	State   State
}

const (
	contactSyncTimeout  = 30 * time.Second
	messageFetchTimeout = 2 * time.Second
	connectRetries      = 3
)

// CompanionFactory builds the companion for a connection attempt.
type CompanionFactory func(cfg *config.Config, log *zap.Logger) (Companion, error)

// Session owns the companion connection lifecycle: connect, handshake,
// state sync, steady-state message pumping and periodic channel
// refresh. All radio traffic funnels through its task queue.
type Session struct {
	cfg     *config.Config
	log     *zap.Logger
	router  *Router
	queue   *TaskQueue
	factory CompanionFactory

	mu        sync.Mutex
	status    Status
	running   bool
	companion Companion
	cancel    context.CancelFunc

	ready    chan struct{}
	draining atomic.Bool

	maxChannels int
}

// Option configures a Session.
type Option func(*Session)

// WithCompanionFactory overrides how the session builds its companion.
func WithCompanionFactory(f CompanionFactory) Option {
	return func(s *Session) { s.factory = f }
}

func NewSession(cfg *config.Config, router *Router, log *zap.Logger, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg,
		log:     log.Named("session"),
		router:  router,
		queue:   NewTaskQueue(log),
		factory: defaultFactory,
		status:  Status{Message: "Disconnected", State: StateDisconnected},
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// defaultFactory builds a companion over the configured transport.
func defaultFactory(cfg *config.Config, log *zap.Logger) (Companion, error) {
	switch kind := cfg.TransportKind(); kind {
	case "tcp":
		if !strings.Contains(cfg.Companion.Endpoint, ":") {
			return nil, fmt.Errorf("radio: tcp endpoint must be host:port, got %q", cfg.Companion.Endpoint)
		}
		return NewCompanion(transport.NewTCPLink(cfg.Companion.Endpoint, log), log), nil
	case "serial":
		device := firstConfigured(cfg.Companion.Device, cfg.Companion.Endpoint)
		if device == "" {
			return nil, fmt.Errorf("radio: serial transport needs a device path")
		}
		return NewCompanion(transport.NewSerialLink(device, log), log), nil
	case "ble", "bluetooth":
		addr, hint := bleCandidates(cfg)
		return NewCompanion(transport.NewBLELink(addr, hint, log), log), nil
	case "fake":
		return NewCompanion(transport.NewFakeLink(log), log), nil
	default:
		return nil, fmt.Errorf("radio: unsupported transport %q", kind)
	}
}

// bleCandidates splits the endpoint and device settings into a MAC
// address and a device-name hint. Either field may hold either value.
func bleCandidates(cfg *config.Config) (addr, hint string) {
	for _, v := range []string{cfg.Companion.Endpoint, cfg.Companion.Device} {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, "auto") {
			continue
		}
		if transport.IsMACAddress(v) {
			if addr == "" {
				addr = v
			}
		} else if hint == "" {
			hint = v
		}
	}
	return addr, hint
}

func firstConfigured(vals ...string) string {
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" && !strings.EqualFold(v, "auto") {
			return v
		}
	}
	return ""
}

// Status returns a snapshot of the session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsConnected reports whether the companion link is up.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	comp := s.companion
	s.mu.Unlock()
	return comp != nil && comp.IsConnected()
}

// Start connects to the companion and brings the session to steady
// state: handshake, contact sync, device query, channel scan, pending
// message drain, then background pumping. It blocks until the session
// is up or the startup failed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ready = make(chan struct{})
	s.mu.Unlock()

	s.setStatus("Connecting to MeshCore…", 0, 0, StateConnecting)
	s.log.Info("connecting", zap.String("transport", s.cfg.TransportKind()))

	comp, err := s.connect(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("connect: %w", err))
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.companion = comp
	s.cancel = cancel
	s.mu.Unlock()

	s.queue.Start()
	go s.pumpEvents(pumpCtx, comp)

	if err := s.startup(ctx, comp); err != nil {
		return s.fail(err)
	}

	go s.refreshLoop(pumpCtx)
	s.mu.Lock()
	close(s.ready)
	s.mu.Unlock()

	if s.cfg.TransportKind() == "fake" {
		s.setStatus("Fake data mode", 0, 0, StateFake)
	} else {
		s.setStatus("Connected", 0, 0, StateConnected)
	}
	s.log.Info("session up")
	return nil
}

// connect retries the transport a few times; flaky BLE stacks often
// need a second attempt right after a scan.
func (s *Session) connect(ctx context.Context) (Companion, error) {
	var comp Companion
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(time.Second), connectRetries), ctx)
	err := backoff.Retry(func() error {
		c, err := s.factory(s.cfg, s.log)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := c.Connect(ctx); err != nil {
			s.log.Warn("connect attempt failed", zap.Error(err))
			return err
		}
		comp = c
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return comp, nil
}

// startup runs the handshake and initial state sync.
func (s *Session) startup(ctx context.Context, comp Companion) error {
	res, err := s.queue.Submit(ctx, "app_start", func(ctx context.Context) (any, error) {
		return comp.AppStart(ctx)
	})
	if err != nil {
		return fmt.Errorf("app start: %w", err)
	}
	self := res.(*protocol.SelfInfo)
	s.router.HandleEvent(*self)
	s.log.Info("handshake complete",
		zap.String("node", self.Name), zap.String("key", self.PublicKey[:8]))

	s.setStatus("Loading contacts…", 0, 0, StateLoadingContacts)
	if _, err := s.queue.Submit(ctx, "get_contacts", func(ctx context.Context) (any, error) {
		return nil, comp.RequestContacts(ctx, time.Time{})
	}); err != nil {
		return fmt.Errorf("request contacts: %w", err)
	}
	syncCtx, cancel := context.WithTimeout(ctx, contactSyncTimeout)
	err = s.router.WaitContacts(syncCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("contact sync: %w", err)
	}

	// The device query is mandatory: without the channel count the
	// channel scan cannot run.
	res, err = s.queue.Submit(ctx, "device_query", func(ctx context.Context) (any, error) {
		return comp.DeviceQuery(ctx)
	})
	if err != nil {
		return fmt.Errorf("device query: %w", err)
	}
	info := res.(*protocol.DeviceInfo)
	s.mu.Lock()
	s.maxChannels = info.MaxChannels
	s.mu.Unlock()
	s.log.Info("device identified",
		zap.String("model", info.Model),
		zap.String("firmware", info.FirmwareVersion),
		zap.Int("max_channels", info.MaxChannels))

	s.setStatus("Refreshing channels…", 0, 0, StateRefreshingChannels)
	s.refreshChannels(ctx, false)
	s.drainPending(ctx)
	return nil
}

// fail puts the session into the error state and tears everything down.
func (s *Session) fail(err error) error {
	s.setStatus("Connection failed: "+err.Error(), 0, 0, StateError)
	s.log.Error("session startup failed", zap.Error(err))

	s.queue.Stop()
	s.mu.Lock()
	comp := s.companion
	cancel := s.cancel
	s.companion = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if comp != nil {
		if derr := comp.Disconnect(); derr != nil {
			s.log.Warn("disconnect failed", zap.Error(derr))
		}
		// A wedged BLE session blocks the next connect until the OS
		// drops it too.
		if hd, ok := comp.(interface{ ForceDisconnect(context.Context) }); ok {
			hd.ForceDisconnect(context.Background())
		}
	}
	return err
}

// Stop shuts the session down. Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	comp := s.companion
	cancel := s.cancel
	s.companion = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.queue.Stop()
	if comp != nil {
		if err := comp.Disconnect(); err != nil {
			s.log.Warn("disconnect failed", zap.Error(err))
		}
	}
	s.setStatus("Disconnected", 0, 0, StateDisconnected)
	s.log.Info("session stopped")
}

// pumpEvents routes unsolicited frames until the link drops.
func (s *Session) pumpEvents(ctx context.Context, comp Companion) {
	for ev := range comp.Events() {
		if _, waiting := ev.(protocol.MsgWaiting); waiting {
			s.mu.Lock()
			ready := s.ready
			s.mu.Unlock()
			// A push that lands mid-startup still gets its drain once
			// the session is up.
			go func() {
				select {
				case <-ready:
					s.drainPending(context.Background())
				case <-ctx.Done():
				}
			}()
			continue
		}
		s.router.HandleEvent(ev)
	}
	s.log.Info("event stream closed")
}

// refreshLoop re-scans channels periodically so renames on the device
// show up without a restart.
func (s *Session) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshChannels(ctx, true)
		}
	}
}

// refreshChannels queries the device capability and walks every channel
// slot. Partial results are published when a fetch fails midway.
func (s *Session) refreshChannels(ctx context.Context, setIdle bool) {
	s.mu.Lock()
	comp := s.companion
	s.mu.Unlock()
	if comp == nil || !comp.IsConnected() {
		s.log.Warn("skipping channel refresh, not connected")
		return
	}

	res, err := s.queue.Submit(ctx, "device_query", func(ctx context.Context) (any, error) {
		return comp.DeviceQuery(ctx)
	})
	if err != nil {
		s.log.Warn("device query failed during refresh", zap.Error(err))
		s.settleStatus(setIdle)
		return
	}
	maxChannels := res.(*protocol.DeviceInfo).MaxChannels
	s.setStatus("Refreshing channels…", 0, maxChannels, StateRefreshingChannels)

	var channels []protocol.ChannelInfo
	for idx := 0; idx < maxChannels; idx++ {
		res, err := s.queue.Submit(ctx, fmt.Sprintf("get_channel_%d", idx),
			func(ctx context.Context) (any, error) {
				return comp.GetChannel(ctx, idx)
			})
		if err != nil {
			s.log.Warn("channel fetch failed",
				zap.Int("idx", idx), zap.Error(err))
			break
		}
		info := res.(*protocol.ChannelInfo)
		channels = append(channels, *info)
		s.setStatus("Refreshing channels…", idx+1, maxChannels, StateRefreshingChannels)
	}
	if len(channels) > 0 {
		s.router.SetChannels(channels)
	}
	s.settleStatus(setIdle)
}

// drainPending pulls buffered messages off the device, bounded so a
// chatty mesh cannot wedge startup.
func (s *Session) drainPending(ctx context.Context) {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	defer s.draining.Store(false)

	s.mu.Lock()
	comp := s.companion
	s.mu.Unlock()
	if comp == nil {
		return
	}

	limit := s.cfg.Companion.DrainLimit
	if limit <= 0 {
		limit = 200
	}
	drained := 0
	s.setStatus("Syncing messages…", drained, limit, StateSyncing)
	for drained < limit {
		fetchCtx, cancel := context.WithTimeout(ctx, messageFetchTimeout)
		res, err := s.queue.Submit(fetchCtx, "sync_next_message",
			func(ctx context.Context) (any, error) {
				return comp.SyncNextMessage(ctx)
			})
		cancel()
		if err != nil {
			s.log.Warn("pending message fetch failed", zap.Error(err))
			break
		}
		ev := res.(protocol.Event)
		if _, done := ev.(protocol.NoMoreMessages); done {
			break
		}
		s.router.HandleEvent(ev)
		drained++
		s.setStatus("Syncing messages…", drained, limit, StateSyncing)
	}
	if drained == limit {
		s.log.Warn("drain limit reached, stopping to avoid loops", zap.Int("limit", limit))
	}
	s.settleStatus(true)
}

// ── sending ──

// SendDirect sends a text message to a contact. It blocks until the
// session is ready.
func (s *Session) SendDirect(ctx context.Context, publicKey, text string) error {
	comp, err := s.waitReady(ctx)
	if err != nil {
		return err
	}
	s.log.Info("sending direct message", zap.String("to", publicKey[:min(8, len(publicKey))]))
	_, err = s.queue.Submit(ctx, "send_direct", func(ctx context.Context) (any, error) {
		return comp.SendDirect(ctx, publicKey, text)
	})
	return err
}

// SendChannel sends a text message to a channel slot.
func (s *Session) SendChannel(ctx context.Context, channelIdx int, text string) error {
	comp, err := s.waitReady(ctx)
	if err != nil {
		return err
	}
	s.log.Info("sending channel message", zap.Int("channel", channelIdx))
	_, err = s.queue.Submit(ctx, "send_channel", func(ctx context.Context) (any, error) {
		return comp.SendChannel(ctx, channelIdx, text)
	})
	return err
}

// RefreshContacts asks the device for contacts modified since the last
// snapshot and waits for the answering snapshot to finish streaming
// back through the event pump, bounded by the sync timeout.
func (s *Session) RefreshContacts(ctx context.Context) error {
	comp, err := s.waitReady(ctx)
	if err != nil {
		return err
	}
	// Grab the signal before sending so a fast answer cannot slip by.
	done := s.router.SnapshotDone()
	since := s.router.LatestContactMod()
	if _, err := s.queue.Submit(ctx, "get_contacts", func(ctx context.Context) (any, error) {
		return nil, comp.RequestContacts(ctx, since)
	}); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, contactSyncTimeout)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("radio: contact refresh: %w", waitCtx.Err())
	}
}

// RefreshChannels re-scans the device channel table on demand, outside
// the periodic loop.
func (s *Session) RefreshChannels(ctx context.Context) error {
	if _, err := s.waitReady(ctx); err != nil {
		return err
	}
	s.refreshChannels(ctx, true)
	return nil
}

// SendAdvert broadcasts our identity to the mesh.
func (s *Session) SendAdvert(ctx context.Context, flood bool) error {
	comp, err := s.waitReady(ctx)
	if err != nil {
		return err
	}
	_, err = s.queue.Submit(ctx, "send_advert", func(ctx context.Context) (any, error) {
		return nil, comp.SendAdvert(ctx, flood)
	})
	return err
}

func (s *Session) waitReady(ctx context.Context) (Companion, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	comp := s.companion
	s.mu.Unlock()
	if comp == nil {
		return nil, fmt.Errorf("radio: session not connected")
	}
	return comp, nil
}

// setStatus clamps progress the same way the UI expects: totals are
// never negative and current never overruns the total.
func (s *Session) setStatus(message string, current, total int, state State) {
	if total < 0 {
		total = 0
	}
	if total > 0 && current > total {
		current = total
	}
	s.mu.Lock()
	s.status = Status{Message: message, Current: current, Total: total, State: state}
	s.mu.Unlock()
}

func (s *Session) settleStatus(setIdle bool) {
	if !setIdle {
		return
	}
	if s.IsConnected() {
		if s.cfg.TransportKind() == "fake" {
			s.setStatus("Fake data mode", 0, 0, StateFake)
		} else {
			s.setStatus("Connected", 0, 0, StateConnected)
		}
	} else {
		s.setStatus("Disconnected", 0, 0, StateDisconnected)
	}
}
