// Package delivery implements the scanner/merge/dispatch pipeline that
// turns persisted, unprocessed messages into rule matches, platform
// calls, and send-backs. Grounded on the teacher's ai/preload.Scheduler
// ticker-driven batch-dispatch shape (internal/listener borrows the same
// shape for its loops), generalized to a bounded-concurrency worker pool
// via golang.org/x/sync/errgroup, one goroutine per chat to preserve
// create_time order within a chat, and internal/delivery/chatlock to
// serialize against any other caller that reaches the same chat key.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/wxrelay/internal/delivery/chatlock"
	"github.com/hrygo/wxrelay/internal/errs"
	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/internal/platform"
	"github.com/hrygo/wxrelay/internal/rules"
	"github.com/hrygo/wxrelay/store"
)

// Sender is the subset of *remoteclient.Client the pipeline needs to
// deliver a reply.
type Sender interface {
	SendText(ctx context.Context, chatName, text string, atList []string) error
	SendTyping(ctx context.Context, chatName string) error
}

// SenderFactory builds the send-back client for one instance.
type SenderFactory func(in *model.Instance) (Sender, error)

// Recorder receives pipeline outcome events for the service monitor.
// Satisfied by *monitor.Monitor; nil-safe callers use noopRecorder when
// no monitor is wired.
type Recorder interface {
	RecordProcessed()
	RecordDelivered()
	RecordReplied()
	RecordFailed(reason string)
}

type noopRecorder struct{}

func (noopRecorder) RecordProcessed()    {}
func (noopRecorder) RecordDelivered()    {}
func (noopRecorder) RecordReplied()      {}
func (noopRecorder) RecordFailed(string) {}

// Config parameterizes the scanner and its failure-handling policy.
type Config struct {
	ScanInterval    time.Duration
	BatchSize       int
	MergeMessages   bool
	MergeWindow     time.Duration
	Concurrency     int
	ProcessTimeout  time.Duration
	MaxRetries      int
	SerializerQueue int
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MergeWindow <= 0 {
		c.MergeWindow = 60 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.SerializerQueue <= 0 {
		c.SerializerQueue = 32
	}
	return c
}

// Pipeline is the scanner/dispatch engine itself.
type Pipeline struct {
	st        *store.Store
	engine    *rules.Engine
	platforms *platform.Manager
	senders   SenderFactory
	locks     *chatlock.Locker
	cfg       Config
	recorder  Recorder

	senderCache map[string]Sender
}

func New(st *store.Store, engine *rules.Engine, platforms *platform.Manager, senders SenderFactory, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		st:          st,
		engine:      engine,
		platforms:   platforms,
		senders:     senders,
		locks:       chatlock.New(cfg.SerializerQueue),
		cfg:         cfg,
		recorder:    noopRecorder{},
		senderCache: make(map[string]Sender),
	}
}

// WithRecorder attaches the service monitor's counters; safe to call once
// before Run starts.
func (p *Pipeline) WithRecorder(r Recorder) *Pipeline {
	p.recorder = r
	return p
}

// Run ticks the scanner every ScanInterval until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.scanOnce(ctx); err != nil {
				slog.Error("delivery: scan failed", "error", err)
			}
		}
	}
}

func (p *Pipeline) scanOnce(ctx context.Context) error {
	messages, err := p.st.Driver().ListUnprocessed(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	units := buildUnits(messages, p.cfg.MergeMessages, p.cfg.MergeWindow)
	return p.dispatch(ctx, units)
}

// dispatch fans out across chats but never within one: buildUnits already
// emits same-chat units in create_time order, and errgroup gives no
// ordering guarantee among goroutines, so each chat's units are handed to
// a single goroutine that runs them strictly in sequence. That is what
// actually satisfies the per-chat ordering guarantee; chatlock only adds
// mutual exclusion against any other caller reaching the same chat key
// (e.g. an overlapping scan), it does not by itself order anything.
func (p *Pipeline) dispatch(ctx context.Context, units []*unit) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, chatUnits := range groupUnitsByChat(units) {
		chatUnits := chatUnits
		for range chatUnits {
			p.recorder.RecordProcessed()
		}
		g.Go(func() error {
			for _, u := range chatUnits {
				p.processUnit(gCtx, u)
			}
			return nil
		})
	}
	return g.Wait()
}

// groupUnitsByChat partitions units by (instance, chat) key, preserving
// each key's first-appearance order and the relative order of its
// members.
func groupUnitsByChat(units []*unit) [][]*unit {
	order := make([]string, 0, len(units))
	byKey := make(map[string][]*unit)
	for _, u := range units {
		k := u.key()
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], u)
	}
	groups := make([][]*unit, 0, len(order))
	for _, k := range order {
		groups = append(groups, byKey[k])
	}
	return groups
}

// unit is one or more member messages from the same (instance, chat)
// coalesced by the merge-window rule into a single delivery decision.
type unit struct {
	instanceID string
	chatName   string
	messages   []*model.Message
	content    string
}

func (u *unit) ids() []int64 {
	ids := make([]int64, len(u.messages))
	for i, m := range u.messages {
		ids[i] = m.ID
	}
	return ids
}

// latest is the representative member used for rule matching and as the
// sender identity of the reply: the most recently created message.
func (u *unit) latest() *model.Message { return u.messages[len(u.messages)-1] }

func (u *unit) key() string { return u.instanceID + "\x1f" + u.chatName }

// buildUnits groups messages by (instance, chat) preserving their
// relative order, then coalesces consecutive same-chat messages whose
// create_time gap is within window when merging is enabled.
func buildUnits(messages []*model.Message, merge bool, window time.Duration) []*unit {
	type groupKey struct{ instanceID, chatName string }
	order := make([]groupKey, 0)
	groups := make(map[groupKey][]*model.Message)
	for _, m := range messages {
		k := groupKey{m.InstanceID, m.ChatName}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], m)
	}

	windowSeconds := int64(window / time.Second)
	var units []*unit
	for _, k := range order {
		msgs := groups[k]
		var run []*model.Message
		flush := func() {
			if len(run) == 0 {
				return
			}
			units = append(units, &unit{
				instanceID: k.instanceID,
				chatName:   k.chatName,
				messages:   run,
				content:    coalesceContent(run),
			})
			run = nil
		}
		for _, m := range msgs {
			if merge && len(run) > 0 && m.CreateTime-run[len(run)-1].CreateTime <= windowSeconds {
				run = append(run, m)
				continue
			}
			flush()
			run = []*model.Message{m}
		}
		flush()
	}
	return units
}

func coalesceContent(messages []*model.Message) string {
	if len(messages) == 1 {
		return messages[0].Content
	}
	s := ""
	for i, m := range messages {
		if i > 0 {
			s += "\n"
		}
		s += m.Sender + ": " + m.Content
	}
	return s
}

func (p *Pipeline) processUnit(ctx context.Context, u *unit) {
	release, err := p.locks.Acquire(ctx, u.key())
	if err != nil {
		slog.Warn("delivery: chat lock unavailable, deferring to next scan", "chat", u.chatName, "error", err)
		return
	}
	defer release()

	rule := p.engine.Match(u.instanceID, u.chatName, u.latest())
	now := time.Now().Unix()
	if rule == nil {
		p.finish(ctx, u, model.DeliveryNone, "", "", model.ReplyNone, now)
		return
	}

	plat, err := p.platforms.Resolve(ctx, rule.PlatformID)
	if err != nil {
		p.failPermanently(ctx, u, err.Error())
		return
	}

	procCtx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	defer cancel()
	result, procErr := plat.Process(procCtx, platform.Unit{
		ChatName:    u.chatName,
		Sender:      u.latest().Sender,
		Content:     u.content,
		MessageType: u.latest().MessageType,
		MessageID:   u.latest().MessageID,
	})
	if result != nil && result.Accounting != nil {
		if err := p.st.Driver().InsertAccountingRecord(ctx, result.Accounting); err != nil {
			slog.Error("delivery: failed to record accounting", "error", err)
		}
	}

	if procErr != nil {
		p.handlePlatformError(ctx, u, procErr)
		return
	}
	p.recorder.RecordDelivered()

	if !result.ShouldReply {
		p.finish(ctx, u, model.DeliverySuccess, rule.PlatformID, "", model.ReplyNone, time.Now().Unix())
		return
	}

	replyContent, atList := applyReplyAtSender(rule, u, result.Content)
	replyStatus := model.ReplySuccess
	if err := p.sendReply(ctx, u, result, replyContent, atList); err != nil {
		slog.Warn("delivery: send-back failed", "chat", u.chatName, "error", err)
		replyStatus = model.ReplyFailed
	} else {
		p.recorder.RecordReplied()
	}
	p.finish(ctx, u, model.DeliverySuccess, rule.PlatformID, replyContent, replyStatus, time.Now().Unix())
}

// applyReplyAtSender prepends an @sender mention to the reply when the
// rule asks for it. Group-chat detection is not modeled in this system
// (the remote API gives no group/direct distinction), so the prefix is
// applied whenever reply_at_sender is set, regardless of chat kind.
func applyReplyAtSender(rule *model.Rule, u *unit, content string) (string, []string) {
	if !rule.ReplyAtSender {
		return content, nil
	}
	sender := u.latest().Sender
	return fmt.Sprintf("@%s %s", sender, content), []string{sender}
}

func (p *Pipeline) sendReply(ctx context.Context, u *unit, result *platform.Result, content string, atList []string) error {
	sender, err := p.senderFor(u.instanceID)
	if err != nil {
		return err
	}
	if result.SendMode == platform.SendModeTyping {
		if err := sender.SendTyping(ctx, u.chatName); err != nil {
			slog.Warn("delivery: typing indicator failed", "chat", u.chatName, "error", err)
		}
	}
	return sender.SendText(ctx, u.chatName, content, atList)
}

func (p *Pipeline) senderFor(instanceID string) (Sender, error) {
	if s, ok := p.senderCache[instanceID]; ok {
		return s, nil
	}
	for _, in := range p.st.EnabledInstances() {
		if in.ID == instanceID {
			s, err := p.senders(in)
			if err != nil {
				return nil, err
			}
			p.senderCache[instanceID] = s
			return s, nil
		}
	}
	return nil, errs.Newf(errs.KindConfig, "instance %q is not enabled", instanceID)
}

// handlePlatformError applies the retry/permanent-failure policy from
// the error taxonomy: network/timeout and transient platform errors
// retry up to MaxRetries with per-attempt backoff recorded on the row;
// everything else fails the unit immediately.
func (p *Pipeline) handlePlatformError(ctx context.Context, u *unit, procErr error) {
	if !errs.IsRetryable(procErr) {
		p.failPermanently(ctx, u, procErr.Error())
		return
	}

	var maxAttempts int
	for _, m := range u.messages {
		if m.RetryCount > maxAttempts {
			maxAttempts = m.RetryCount
		}
	}
	attempt := maxAttempts + 1
	if attempt >= p.cfg.MaxRetries {
		p.failPermanently(ctx, u, procErr.Error())
		return
	}

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	nextRetry := time.Now().Add(backoff).Unix()
	for _, id := range u.ids() {
		if err := p.st.Driver().RecordRetry(ctx, id, procErr.Error(), nextRetry); err != nil {
			slog.Error("delivery: failed to record retry", "id", id, "error", err)
		}
	}
}

func (p *Pipeline) failPermanently(ctx context.Context, u *unit, reason string) {
	p.recorder.RecordFailed(reason)
	for _, id := range u.ids() {
		if err := p.st.Driver().MarkDeliveryFailed(ctx, id, reason); err != nil {
			slog.Error("delivery: failed to mark delivery failed", "id", id, "error", err)
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, u *unit, status model.DeliveryStatus, platformID, replyContent string, replyStatus model.ReplyStatus, now int64) {
	if err := p.st.Driver().MarkDelivered(ctx, u.ids(), status, platformID, replyContent, replyStatus, now); err != nil {
		slog.Error("delivery: failed to mark delivered", "chat", u.chatName, "error", err)
	}
}
