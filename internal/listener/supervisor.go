// Package listener implements the supervisor that keeps each enabled
// instance's chat subscriptions in sync with the remote automation
// endpoint: discovering new chats, polling subscribed ones, reaping
// inactive ones, and reconciling the operator-declared fixed set.
//
// Grounded on the teacher's ai/preload.Scheduler ticker/stop-channel
// shape, generalized from "one scheduler, one ticker" to "one supervisor,
// three cooperating per-instance loops scoped by golang.org/x/sync/
// errgroup so disabling an instance cancels exactly its own loops."
package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/wxrelay/internal/bus"
	"github.com/hrygo/wxrelay/internal/ingest"
	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/internal/remoteclient"
	"github.com/hrygo/wxrelay/store"
)

// RemoteClient is the subset of *remoteclient.Client the supervisor needs;
// an interface here keeps the supervisor's loops testable without an HTTP
// server standing in for the automation endpoint.
type RemoteClient interface {
	Init(ctx context.Context) error
	ListUnreadMainWindow(ctx context.Context) ([]remoteclient.UnreadChat, error)
	AddListener(ctx context.Context, chatName string, opts remoteclient.ListenerOptions) error
	RemoveListener(ctx context.Context, chatName string) error
	FetchListenerMessages(ctx context.Context, chatName string) ([]remoteclient.RawMessage, error)
	Connected() bool
	ProbeUntilConnected(ctx context.Context) error
}

// ClientFactory builds the remote client for one instance.
type ClientFactory func(in *model.Instance) (RemoteClient, error)

// Config parameterizes the three loops.
type Config struct {
	PollInterval            time.Duration
	MaxListenersPerInstance int
	InactivityMinutes       int
}

// reaperInterval runs the reaper loop six poll cycles apart, per the
// supervisor's cadence.
func (c Config) reaperInterval() time.Duration { return c.PollInterval * 6 }

func (c Config) inactivityWindow() time.Duration {
	return time.Duration(c.InactivityMinutes) * time.Minute
}

// Supervisor runs one set of loops per enabled instance and reacts to
// instance and fixed-listener reload events.
type Supervisor struct {
	st      *store.Store
	factory ClientFactory
	cfg     Config

	mu      sync.Mutex
	runners map[string]*instanceRunner
}

func New(st *store.Store, factory ClientFactory, cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxListenersPerInstance <= 0 {
		cfg.MaxListenersPerInstance = 30
	}
	if cfg.InactivityMinutes <= 0 {
		cfg.InactivityMinutes = 30
	}
	return &Supervisor{
		st:      st,
		factory: factory,
		cfg:     cfg,
		runners: make(map[string]*instanceRunner),
	}
}

// Run starts runners for every currently-enabled instance, then reacts to
// bus events until ctx is canceled, at which point all runners drain.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, in := range s.st.EnabledInstances() {
		s.startInstance(in)
	}

	events, unsubscribe := s.st.Bus().Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case ev := <-events:
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case bus.InstanceAdded, bus.InstanceUpdated, bus.InstanceEnabled:
		if in, ok := s.lookupEnabled(ev.ID); ok {
			s.restartInstance(in)
		}
	case bus.InstanceDisabled, bus.InstanceRemoved:
		s.stopInstance(ev.ID)
	case bus.FixedListenerChange:
		s.broadcastFixedListenerChange(ctx)
	}
}

func (s *Supervisor) lookupEnabled(id string) (*model.Instance, bool) {
	for _, in := range s.st.EnabledInstances() {
		if in.ID == id {
			return in, true
		}
	}
	return nil, false
}

func (s *Supervisor) startInstance(in *model.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runners[in.ID]; exists {
		return
	}
	client, err := s.factory(in)
	if err != nil {
		slog.Error("listener: failed to build remote client", "instance", in.ID, "error", err)
		return
	}
	r := newInstanceRunner(in.ID, client, s.st, s.cfg)
	s.runners[in.ID] = r
	r.start()
}

func (s *Supervisor) restartInstance(in *model.Instance) {
	s.stopInstance(in.ID)
	s.startInstance(in)
}

func (s *Supervisor) stopInstance(id string) {
	s.mu.Lock()
	r, ok := s.runners[id]
	if ok {
		delete(s.runners, id)
	}
	s.mu.Unlock()
	if ok {
		r.stop()
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	runners := make([]*instanceRunner, 0, len(s.runners))
	for id, r := range s.runners {
		runners = append(runners, r)
		delete(s.runners, id)
	}
	s.mu.Unlock()
	for _, r := range runners {
		r.stop()
	}
}

func (s *Supervisor) broadcastFixedListenerChange(ctx context.Context) {
	s.mu.Lock()
	runners := make([]*instanceRunner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()
	for _, r := range runners {
		r.reconcileFixedListeners(ctx)
	}
}

// instanceRunner owns the three cooperating loops for one instance,
// scoped under an errgroup tied to a cancelable context so stopping the
// instance cancels exactly its own loops.
type instanceRunner struct {
	instanceID string
	client     RemoteClient
	st         *store.Store
	cfg        Config

	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	active map[string]*trackedListener // chat_name -> state

	probeMu sync.Mutex
}

type trackedListener struct {
	lastMessageTime int64
	manualAdded     bool
	fixed           bool
}

func newInstanceRunner(instanceID string, client RemoteClient, st *store.Store, cfg Config) *instanceRunner {
	return &instanceRunner{
		instanceID: instanceID,
		client:     client,
		st:         st,
		cfg:        cfg,
		active:     make(map[string]*trackedListener),
	}
}

func (r *instanceRunner) start() {
	ctx, cancel := context.WithCancel(context.Background())
	g, gCtx := errgroup.WithContext(ctx)
	r.cancel = cancel
	r.group = g

	r.loadActiveListeners(gCtx)
	r.reconcileFixedListeners(gCtx)

	g.Go(func() error { r.mainWindowLoop(gCtx); return nil })
	g.Go(func() error { r.perListenerLoop(gCtx); return nil })
	g.Go(func() error { r.reaperLoop(gCtx); return nil })
}

func (r *instanceRunner) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
}

func (r *instanceRunner) loadActiveListeners(ctx context.Context) {
	listeners, err := r.st.Driver().ListActiveListeners(ctx, r.instanceID)
	if err != nil {
		slog.Error("listener: failed to load active listeners", "instance", r.instanceID, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range listeners {
		r.active[l.ChatName] = &trackedListener{
			lastMessageTime: l.LastMessageTime,
			manualAdded:     l.ManualAdded,
			fixed:           l.Fixed,
		}
	}
}

func (r *instanceRunner) mainWindowLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.waitUntilConnected(ctx); err != nil {
				return
			}
			r.scanMainWindow(ctx)
		}
	}
}

// waitUntilConnected pauses the calling loop while the instance's client
// is disconnected, retry-probing Init with capped exponential backoff
// until it reconnects or ctx is done. probeMu collapses concurrent
// callers from the two polling loops into a single in-flight probe.
func (r *instanceRunner) waitUntilConnected(ctx context.Context) error {
	if r.client.Connected() {
		return nil
	}
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	if r.client.Connected() {
		return nil
	}
	slog.Warn("listener: instance disconnected, pausing polling to reconnect", "instance", r.instanceID)
	if err := r.client.ProbeUntilConnected(ctx); err != nil {
		return err
	}
	slog.Info("listener: instance reconnected, resuming polling", "instance", r.instanceID)
	return nil
}

func (r *instanceRunner) scanMainWindow(ctx context.Context) {
	chats, err := r.client.ListUnreadMainWindow(ctx)
	if err != nil {
		slog.Warn("listener: main-window scan failed", "instance", r.instanceID, "error", err)
		return
	}
	for _, chat := range chats {
		if !r.hasListener(chat.ChatName) {
			if !r.createListener(ctx, chat.ChatName, false) {
				continue
			}
		}
		r.ingestBatch(ctx, chat.ChatName, chat.Messages)
	}
}

func (r *instanceRunner) perListenerLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.waitUntilConnected(ctx); err != nil {
				return
			}
			r.scanListeners(ctx)
		}
	}
}

func (r *instanceRunner) scanListeners(ctx context.Context) {
	for _, chatName := range r.listChatNames() {
		raw, err := r.client.FetchListenerMessages(ctx, chatName)
		if err != nil {
			slog.Warn("listener: fetch failed", "instance", r.instanceID, "chat", chatName, "error", err)
			continue
		}
		if len(raw) > 0 {
			r.ingestBatch(ctx, chatName, raw)
		}
	}
}

func (r *instanceRunner) ingestBatch(ctx context.Context, chatName string, raw []remoteclient.RawMessage) {
	messages := remoteclient.ToRawMessages(r.instanceID, chatName, raw)
	if len(messages) == 0 {
		return
	}
	n, err := ingest.Ingest(ctx, r.st, r.instanceID, chatName, messages)
	if err != nil {
		slog.Warn("listener: ingest failed", "instance", r.instanceID, "chat", chatName, "error", err)
	}
	if n > 0 {
		r.touchLastMessageTime(chatName, messages)
	}
}

func (r *instanceRunner) touchLastMessageTime(chatName string, messages []*model.Message) {
	var max int64
	for _, m := range messages {
		if m.CreateTime > max {
			max = m.CreateTime
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if tl, ok := r.active[chatName]; ok && max > tl.lastMessageTime {
		tl.lastMessageTime = max
	}
}

func (r *instanceRunner) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.reaperInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(ctx, time.Now())
		}
	}
}

func (r *instanceRunner) reap(ctx context.Context, now time.Time) {
	threshold := now.Add(-r.cfg.inactivityWindow()).Unix()
	for _, chatName := range r.reapCandidates(threshold) {
		r.removeListener(ctx, chatName)
	}
}

func (r *instanceRunner) reapCandidates(threshold int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for chatName, tl := range r.active {
		if tl.manualAdded || tl.fixed {
			continue
		}
		if tl.lastMessageTime < threshold {
			out = append(out, chatName)
		}
	}
	return out
}

// removeListener reaps one listener: best-effort remote removal, status
// flips to inactive in the store, the row is never deleted.
func (r *instanceRunner) removeListener(ctx context.Context, chatName string) {
	if err := r.client.RemoveListener(ctx, chatName); err != nil {
		slog.Warn("listener: remote removal failed, reaping locally anyway", "instance", r.instanceID, "chat", chatName, "error", err)
	}
	key := model.ListenerKey{InstanceID: r.instanceID, ChatName: chatName}
	if err := r.st.Driver().SetListenerStatus(ctx, key, model.ListenerInactive); err != nil {
		slog.Error("listener: failed to mark inactive", "instance", r.instanceID, "chat", chatName, "error", err)
	}
	r.mu.Lock()
	delete(r.active, chatName)
	r.mu.Unlock()
}

func (r *instanceRunner) hasListener(chatName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[chatName]
	return ok
}

func (r *instanceRunner) listChatNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for chatName := range r.active {
		out = append(out, chatName)
	}
	return out
}

// createListener persists and subscribes a new listener, applying
// capacity reaping first if the instance is already at its limit.
// Returns false if the listener could not be created (capacity rejected
// or a store/remote failure).
func (r *instanceRunner) createListener(ctx context.Context, chatName string, fixed bool) bool {
	if r.atCapacity() && !r.reapOneForCapacity(ctx) {
		slog.Warn("listener: capacity exceeded, rejecting new listener", "instance", r.instanceID, "chat", chatName)
		return false
	}

	l := &model.Listener{
		InstanceID: r.instanceID,
		ChatName:   chatName,
		Status:     model.ListenerActive,
		Fixed:      fixed,
	}
	if err := r.st.Driver().UpsertListener(ctx, l); err != nil {
		slog.Error("listener: persist failed", "instance", r.instanceID, "chat", chatName, "error", err)
		return false
	}
	if err := r.client.AddListener(ctx, chatName, remoteclient.ListenerOptions{}); err != nil {
		slog.Warn("listener: remote subscribe failed", "instance", r.instanceID, "chat", chatName, "error", err)
	}

	r.mu.Lock()
	r.active[chatName] = &trackedListener{fixed: fixed}
	r.mu.Unlock()
	return true
}

func (r *instanceRunner) atCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active) >= r.cfg.MaxListenersPerInstance
}

// reapOneForCapacity evicts the least-recently-active non-exempt listener
// to make room for a new subscription. Returns false if every tracked
// listener is exempt from reaping.
func (r *instanceRunner) reapOneForCapacity(ctx context.Context) bool {
	r.mu.Lock()
	var (
		victim string
		oldest int64 = -1
		found  bool
	)
	for chatName, tl := range r.active {
		if tl.manualAdded || tl.fixed {
			continue
		}
		if !found || tl.lastMessageTime < oldest {
			victim, oldest, found = chatName, tl.lastMessageTime, true
		}
	}
	r.mu.Unlock()

	if !found {
		return false
	}
	r.removeListener(ctx, victim)
	return true
}

// reconcileFixedListeners ensures every enabled fixed-listener entry has
// an active, fixed=1 subscription on this instance; fixed listeners are
// never auto-removed by the reaper.
func (r *instanceRunner) reconcileFixedListeners(ctx context.Context) {
	fixed, err := r.st.Driver().ListEnabledFixedListeners(ctx)
	if err != nil {
		slog.Error("listener: failed to load fixed listeners", "instance", r.instanceID, "error", err)
		return
	}
	for _, f := range fixed {
		if r.hasListener(f.SessionName) {
			r.markFixed(f.SessionName)
			continue
		}
		r.createListener(ctx, f.SessionName, true)
	}
}

func (r *instanceRunner) markFixed(chatName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tl, ok := r.active[chatName]; ok {
		tl.fixed = true
	}
}
