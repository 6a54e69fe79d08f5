// Package model defines the persisted entities of the bridge's data model:
// instances, listeners, messages, platforms, rules, fixed-listener config,
// and accounting records. All ids are opaque strings; all timestamps are
// Unix seconds.
package model

// MessageType classifies an inbound or stored message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageVoice MessageType = "voice"
	MessageVideo MessageType = "video"
	MessageCard  MessageType = "card"
	MessageSelf  MessageType = "self"
	MessageTime  MessageType = "time"
	MessageOther MessageType = "other"
)

// DeliveryStatus tracks a message's progress through the delivery pipeline.
type DeliveryStatus int

const (
	DeliveryNone    DeliveryStatus = 0
	DeliverySuccess DeliveryStatus = 1
	DeliveryFailed  DeliveryStatus = 2
)

// ReplyStatus tracks whether a reply was sent back successfully.
type ReplyStatus int

const (
	ReplyNone    ReplyStatus = 0
	ReplySuccess ReplyStatus = 1
	ReplyFailed  ReplyStatus = 2
)

// ListenerStatus is the lifecycle state of a chat subscription.
type ListenerStatus string

const (
	ListenerActive   ListenerStatus = "active"
	ListenerInactive ListenerStatus = "inactive"
)

// PlatformType is the tag used by the platform factory registry.
type PlatformType string

const (
	PlatformOpenAI     PlatformType = "openai"
	PlatformDify       PlatformType = "dify"
	PlatformKeyword    PlatformType = "keyword"
	PlatformZhiWeiJZ   PlatformType = "zhiweijz"
	platformKeywordOld PlatformType = "keyword_match" // deprecated alias, accepted on read only
)

// NormalizePlatformType resolves the deprecated "keyword_match" alias to
// "keyword"; every other tag passes through unchanged.
func NormalizePlatformType(t PlatformType) PlatformType {
	if t == platformKeywordOld {
		return PlatformKeyword
	}
	return t
}

// Instance is one managed remote chat-automation endpoint.
type Instance struct {
	ID        string
	Name      string
	BaseURL   string
	APIKey    string // decrypted value; encrypted at rest by the store
	Enabled   bool
	CreatedTs int64
	UpdatedTs int64
}

// Listener is a subscription to one chat on one instance.
type Listener struct {
	InstanceID      string
	ChatName        string
	Status          ListenerStatus
	LastMessageTime int64
	ManualAdded     bool
	Fixed           bool
	CreatedTs       int64
	UpdatedTs       int64
}

// Key returns the listener's natural key.
func (l *Listener) Key() ListenerKey {
	return ListenerKey{InstanceID: l.InstanceID, ChatName: l.ChatName}
}

// ListenerKey is the (instance_id, chat_name) natural key for a listener.
type ListenerKey struct {
	InstanceID string
	ChatName   string
}

// Exempt reports whether the listener is exempt from inactivity reaping.
func (l *Listener) Exempt() bool { return l.ManualAdded || l.Fixed }

// Message is one ingested, deduplicated chat message and its delivery
// bookkeeping.
type Message struct {
	ID              int64 // store-assigned row id
	MessageID       string
	InstanceID      string
	ChatName        string
	Sender          string
	SenderRemark    string
	Content         string
	MessageType     MessageType
	CreateTime      int64
	Fingerprint     string
	Processed       bool
	DeliveryStatus  DeliveryStatus
	DeliveryTime    int64
	PlatformID      string
	ReplyContent    string
	ReplyStatus     ReplyStatus
	ReplyTime       int64
	RetryCount      int
	LastError       string
	NextRetryTime   int64
}

// Platform is a configured conversational/keyword/bookkeeping backend.
type Platform struct {
	ID        string
	Name      string
	Type      PlatformType
	Config    map[string]any
	Enabled   bool
	CreatedTs int64
	UpdatedTs int64
}

// Rule maps (instance, chat, at-gate) to a platform.
type Rule struct {
	ID                string
	Name              string
	InstanceSelector  string // literal instance id or "*"
	ChatPattern       string
	PlatformID        string
	Priority          int
	Enabled           bool
	OnlyAtMessages    bool
	AtName            string
	ReplyAtSender     bool
	CreatedTs         int64
	UpdatedTs         int64
}

// FixedListener is an operator-declared always-on chat name, ensured
// present on every enabled instance.
type FixedListener struct {
	ID          string
	SessionName string
	Enabled     bool
	Description string
}

// AccountingRecord is an append-only log row produced by the bookkeeping
// (zhiweijz) platform variant.
type AccountingRecord struct {
	ID              int64
	PlatformID      string
	MessageID       string
	Description     string
	Amount          float64
	HasAmount       bool
	Category        string
	AccountBookID   string
	AccountBookName string
	Success         bool
	ErrorMessage    string
	ProcessingMs    int64
	CreateTime      int64
}
