// Package platform defines the conversational/keyword/bookkeeping
// backend capability set and a factory-by-type-string registry for the
// four concrete variants. Grounded on the teacher's NewLLMService
// provider-switch shape in ai/llm.go, generalized to the dynamic
// per-type construction the registry requires ("factory by string type").
package platform

import (
	"context"
	"encoding/json"

	"github.com/hrygo/wxrelay/internal/errs"
	"github.com/hrygo/wxrelay/internal/model"
)

// SendMode controls how a reply is delivered back through the remote
// client: a single message, or a typing indicator first.
type SendMode string

const (
	SendModeNormal SendMode = "normal"
	SendModeTyping SendMode = "typing"
)

// Unit is the inbound payload handed to Process: either a single
// ingested message or a merge-window-coalesced group.
type Unit struct {
	ChatName    string
	Sender      string
	Content     string
	MessageType model.MessageType
	MessageID   string // remote message_id of the unit's latest member, referenced by accounting records
}

// Result is what a platform produced for one Unit.
type Result struct {
	Content     string
	ShouldReply bool
	SendMode    SendMode
	Metadata    map[string]string

	// Accounting is set only by the bookkeeping variant: the delivery
	// pipeline appends it to the accounting table regardless of outcome.
	Accounting *model.AccountingRecord
}

// TestResult is the outcome of a connectivity self-check.
type TestResult struct {
	OK     bool
	Detail string
}

// Platform is the four-operation capability set every variant implements.
type Platform interface {
	Initialize(ctx context.Context) error
	Process(ctx context.Context, unit Unit) (*Result, error)
	Test(ctx context.Context) (*TestResult, error)
	Kind() string
}

// Constructor builds a Platform from its raw JSON config.
type Constructor func(raw json.RawMessage) (Platform, error)

// Registry maps a type tag to its constructor; validated at construction
// time, not first use, per the spec's design note.
type Registry struct {
	constructors map[model.PlatformType]Constructor
}

func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[model.PlatformType]Constructor)}
	r.Register(model.PlatformOpenAI, newOpenAI)
	r.Register(model.PlatformDify, newDify)
	r.Register(model.PlatformKeyword, newKeyword)
	r.Register(model.PlatformZhiWeiJZ, newZhiWeiJZ)
	return r
}

func (r *Registry) Register(t model.PlatformType, c Constructor) {
	r.constructors[t] = c
}

// Build constructs and initializes a Platform for p, validating its
// config at construction.
func (r *Registry) Build(ctx context.Context, p *model.Platform) (Platform, error) {
	t := model.NormalizePlatformType(p.Type)
	ctor, ok := r.constructors[t]
	if !ok {
		return nil, errs.Newf(errs.KindConfig, "unknown platform type %q", t)
	}
	raw, err := json.Marshal(p.Config)
	if err != nil {
		return nil, errs.New(errs.KindConfig, err)
	}
	instance, err := ctor(raw)
	if err != nil {
		return nil, err
	}
	if err := instance.Initialize(ctx); err != nil {
		return nil, err
	}
	return instance, nil
}
