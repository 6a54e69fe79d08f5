package platform

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/wxrelay/internal/errs"
)

// matchType is how a keyword rule's keywords are tested against content.
type matchType string

const (
	matchExact    matchType = "exact"
	matchContains matchType = "contains"
	matchFuzzy    matchType = "fuzzy"

	keywordDelayCeiling = 60 * time.Second
)

type keywordRule struct {
	Keywords      []string  `json:"keywords"`
	MatchType     matchType `json:"match_type"`
	Replies       []string  `json:"replies"`
	IsRandomReply bool      `json:"is_random_reply"`
	MinDelay      float64   `json:"min_delay"`
	MaxDelay      float64   `json:"max_delay"`
}

type keywordConfig struct {
	Rules    []keywordRule `json:"rules"`
	SendMode string        `json:"send_mode"`
}

// keywordPlatform is pure Go: no third-party library fits "match against
// a static rule list", so this variant is the one deliberately built on
// the standard library plus math/rand/v2 for reply selection.
type keywordPlatform struct {
	cfg       keywordConfig
	mu        sync.Mutex
	rotations map[int]int // rule index -> next non-random reply offset
}

func newKeyword(raw json.RawMessage) (Platform, error) {
	var cfg keywordConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.New(errs.KindConfig, err)
	}
	for i, r := range cfg.Rules {
		if len(r.Keywords) == 0 || len(r.Replies) == 0 {
			return nil, errs.Newf(errs.KindConfig, "keyword rule %d: keywords and replies required", i)
		}
	}
	return &keywordPlatform{cfg: cfg, rotations: make(map[int]int)}, nil
}

func (p *keywordPlatform) Initialize(ctx context.Context) error { return nil }

func (p *keywordPlatform) Process(ctx context.Context, unit Unit) (*Result, error) {
	for i, r := range p.cfg.Rules {
		if !keywordsMatch(r, unit.Content) {
			continue
		}

		delay := boundedDelay(r.MinDelay, r.MaxDelay)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, errs.New(errs.KindTimeout, ctx.Err())
			}
		}

		reply := p.pickReply(i, r)
		return &Result{
			Content:     reply,
			ShouldReply: true,
			SendMode:    sendModeOf(p.cfg.SendMode),
		}, nil
	}
	return &Result{ShouldReply: false}, nil
}

func keywordsMatch(r keywordRule, content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range r.Keywords {
		kwLower := strings.ToLower(kw)
		switch r.MatchType {
		case matchExact:
			if lower == kwLower {
				return true
			}
		case matchFuzzy:
			if fuzzyContains(lower, kwLower) {
				return true
			}
		default: // matchContains is the default dialect
			if strings.Contains(lower, kwLower) {
				return true
			}
		}
	}
	return false
}

// fuzzyContains tolerates whitespace differences between content and the
// keyword, a cheap fuzzy match appropriate for short operator-authored
// keyword lists.
func fuzzyContains(content, keyword string) bool {
	return strings.Contains(strings.Join(strings.Fields(content), ""), strings.Join(strings.Fields(keyword), ""))
}

func (p *keywordPlatform) pickReply(ruleIdx int, r keywordRule) string {
	if r.IsRandomReply {
		return r.Replies[rand.IntN(len(r.Replies))]
	}
	p.mu.Lock()
	next := p.rotations[ruleIdx] % len(r.Replies)
	p.rotations[ruleIdx] = next + 1
	p.mu.Unlock()
	return r.Replies[next]
}

func boundedDelay(min, max float64) time.Duration {
	if max <= 0 {
		return 0
	}
	if min > max {
		min = max
	}
	span := max - min
	d := time.Duration((min + rand.Float64()*span) * float64(time.Second))
	if d > keywordDelayCeiling {
		d = keywordDelayCeiling
	}
	return d
}

func (p *keywordPlatform) Test(ctx context.Context) (*TestResult, error) {
	return &TestResult{OK: true, Detail: "static rule list"}, nil
}

func (p *keywordPlatform) Kind() string { return "keyword" }
