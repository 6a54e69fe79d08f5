// Package store defines the persistence contract for wxrelay: durable
// tables for instances, listeners, messages, platforms, rules, the
// fixed-listener config, and a key-value config area, plus the in-memory
// caches that serve the supervisor's and pipeline's hot loops.
package store

import (
	"context"

	"github.com/hrygo/wxrelay/internal/model"
)

// Driver is implemented once per backing database (sqlite, postgres). All
// methods are safe for concurrent use; writes are transactional.
type Driver interface {
	// Migrate idempotently creates/updates schema (tables + indexes).
	Migrate(ctx context.Context) error
	Close() error

	InstanceStore
	ListenerStore
	MessageStore
	PlatformStore
	RuleStore
	FixedListenerStore
	AccountingStore
	KVStore
}

// InstanceStore persists Instance rows.
type InstanceStore interface {
	CreateInstance(ctx context.Context, in *model.Instance) error
	UpdateInstance(ctx context.Context, in *model.Instance) error
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context) ([]*model.Instance, error)
	ListEnabledInstances(ctx context.Context) ([]*model.Instance, error)
	SetInstanceEnabled(ctx context.Context, id string, enabled bool) error
}

// ListenerStore persists Listener rows, keyed by (instance_id, chat_name).
type ListenerStore interface {
	UpsertListener(ctx context.Context, l *model.Listener) error
	GetListener(ctx context.Context, key model.ListenerKey) (*model.Listener, error)
	ListListenersByInstance(ctx context.Context, instanceID string) ([]*model.Listener, error)
	ListActiveListeners(ctx context.Context, instanceID string) ([]*model.Listener, error)
	SetListenerStatus(ctx context.Context, key model.ListenerKey, status model.ListenerStatus) error
	UpdateListenerLastMessageTime(ctx context.Context, key model.ListenerKey, ts int64) error
	DeleteListener(ctx context.Context, key model.ListenerKey) error
}

// MessageStore persists Message rows and serves the delivery scanner.
type MessageStore interface {
	// InsertMessage inserts a message; returns (id, inserted=false, nil)
	// without error when the (instance_id, chat_name, fingerprint) unique
	// key already exists (silent drop per the ingest spec).
	InsertMessage(ctx context.Context, m *model.Message) (id int64, inserted bool, err error)
	ListUnprocessed(ctx context.Context, limit int) ([]*model.Message, error)
	ListUnprocessedByChat(ctx context.Context, instanceID, chatName string, limit int) ([]*model.Message, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	MarkDelivered(ctx context.Context, ids []int64, status model.DeliveryStatus, platformID string, replyContent string, replyStatus model.ReplyStatus, now int64) error
	RecordRetry(ctx context.Context, id int64, lastError string, nextRetryTime int64) error
	MarkDeliveryFailed(ctx context.Context, id int64, lastError string) error
}

// PlatformStore persists Platform rows.
type PlatformStore interface {
	CreatePlatform(ctx context.Context, p *model.Platform) error
	UpdatePlatform(ctx context.Context, p *model.Platform) error
	DeletePlatform(ctx context.Context, id string) error
	GetPlatform(ctx context.Context, id string) (*model.Platform, error)
	ListPlatforms(ctx context.Context) ([]*model.Platform, error)
	ListEnabledPlatforms(ctx context.Context) ([]*model.Platform, error)
}

// RuleStore persists Rule rows.
type RuleStore interface {
	CreateRule(ctx context.Context, r *model.Rule) error
	UpdateRule(ctx context.Context, r *model.Rule) error
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	ListRules(ctx context.Context) ([]*model.Rule, error)
	ListEnabledRules(ctx context.Context) ([]*model.Rule, error)
}

// FixedListenerStore persists fixed-listener configuration rows.
type FixedListenerStore interface {
	UpsertFixedListener(ctx context.Context, f *model.FixedListener) error
	DeleteFixedListener(ctx context.Context, id string) error
	ListFixedListeners(ctx context.Context) ([]*model.FixedListener, error)
	ListEnabledFixedListeners(ctx context.Context) ([]*model.FixedListener, error)
}

// AccountingStore persists append-only bookkeeping records.
type AccountingStore interface {
	InsertAccountingRecord(ctx context.Context, r *model.AccountingRecord) error
	ListAccountingRecords(ctx context.Context, platformID string, limit int) ([]*model.AccountingRecord, error)
}

// KVStore persists the small runtime-tunable config area.
type KVStore interface {
	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, key, value string) error
	ListConfigValues(ctx context.Context) (map[string]string, error)
}
