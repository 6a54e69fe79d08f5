// Package ingest normalizes, deduplicates, and persists raw messages
// pulled from a remote endpoint by the listener supervisor. Grounded on
// the teacher's WhatsAppChannel.ParseMessage normalization step in
// plugin/chat_apps/channels/whatsapp/bridge.go, generalized from a single
// inbound-webhook shape to a batch pipeline with an explicit boundary
// marker and fingerprint dedup.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/store"
)

// NewMessagesBoundary is the sentinel content marking "messages below are
// new" in a raw batch; earlier entries in the same batch (and the
// sentinel itself) are dropped.
const NewMessagesBoundary = "以下为新消息"

const selfSender = "self"

// Ingest runs the six-step pipeline over one raw batch for (instanceID,
// chatName): filter markers, filter self/system, normalize, fingerprint,
// persist-or-drop, update listener last_message_time. Returns the count
// of rows actually inserted (new logical messages).
func Ingest(ctx context.Context, st *store.Store, instanceID, chatName string, raw []*model.Message) (int, error) {
	filtered := filterBoundary(raw)

	var maxCreateTime int64
	inserted := 0
	for _, m := range filtered {
		if isSelfOrSystem(m) {
			continue
		}
		normalize(m)
		m.InstanceID = instanceID
		m.ChatName = chatName
		m.Fingerprint = Fingerprint(m.Sender, m.Content, m.CreateTime)

		_, ok, err := st.Driver().InsertMessage(ctx, m)
		if err != nil {
			// One bad row must not sink the batch; log and continue.
			slog.Warn("ingest: failed to persist message", "instance", instanceID, "chat", chatName, "message_id", m.MessageID, "error", err)
			continue
		}
		if ok {
			inserted++
		}
		if m.CreateTime > maxCreateTime {
			maxCreateTime = m.CreateTime
		}
	}

	if maxCreateTime > 0 {
		key := model.ListenerKey{InstanceID: instanceID, ChatName: chatName}
		existing, err := st.Driver().GetListener(ctx, key)
		if err == nil && existing != nil && maxCreateTime > existing.LastMessageTime {
			if err := st.Driver().UpdateListenerLastMessageTime(ctx, key, maxCreateTime); err != nil {
				return inserted, err
			}
		}
	}

	return inserted, nil
}

// filterBoundary drops every message at or before the last occurrence of
// NewMessagesBoundary in the batch, including the sentinel itself. A
// batch with no boundary marker passes through unchanged.
func filterBoundary(raw []*model.Message) []*model.Message {
	boundary := -1
	for i, m := range raw {
		if strings.Contains(m.Content, NewMessagesBoundary) {
			boundary = i
		}
	}
	if boundary < 0 {
		return raw
	}
	return raw[boundary+1:]
}

func isSelfOrSystem(m *model.Message) bool {
	if strings.EqualFold(m.Sender, selfSender) {
		return true
	}
	switch model.MessageType(strings.ToLower(string(m.MessageType))) {
	case model.MessageSelf, model.MessageTime:
		return true
	}
	return false
}

func normalize(m *model.Message) {
	m.MessageType = model.MessageType(strings.ToLower(string(m.MessageType)))
	if strings.TrimSpace(m.Sender) == "" {
		m.Sender = "系统"
	}
	m.Content = stripControlWhitespace(m.Content)
}

func stripControlWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if r != '\n' && r != '\t' && unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// Fingerprint computes the stable dedup key over sender, content, and
// create_time truncated to the minute, via xxhash.Sum64 rather than a
// cryptographic hash — this key only needs collision resistance for
// dedup, not tamper resistance.
func Fingerprint(sender, content string, createTime int64) string {
	minute := createTime / 60
	data := sender + "\x1f" + content + "\x1f" + fmt.Sprint(minute)
	return fmt.Sprintf("%016x", xxhash.Sum64String(data))
}
