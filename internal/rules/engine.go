// Package rules implements the routing rule engine: instance scoping,
// pattern dialects (literal, wildcard, regex, and the added CEL dialect),
// at-mention gating, and priority/id tie-break selection. Grounded on the
// teacher's query_router "compile once, route many" shape in
// server/queryengine, generalized from text-query classification to
// rule-set matching.
package rules

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"github.com/hrygo/wxrelay/internal/model"
)

const (
	wildcardPattern = "*"
	regexPrefix     = "regex:"
	celPrefix       = "cel:"
	allInstances    = "*"
)

// compiledRule pairs a Rule with whatever its pattern dialect needed
// precompiled at rebuild time, so the hot match path never recompiles.
type compiledRule struct {
	rule    *model.Rule
	re      *regexp.Regexp
	program cel.Program
}

// Engine holds the current enabled-rule snapshot. rebuild/match are pure
// over the input set, per the spec's purity requirement.
type Engine struct {
	env     *cel.Env
	rules   []compiledRule
}

// NewEngine constructs an Engine with its CEL environment declared once;
// Rebuild never recreates the environment, only recompiles programs for
// rules that use the "cel:" dialect.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("chat", cel.StringType),
		cel.Variable("sender", cel.StringType),
		cel.Variable("content", cel.StringType),
		cel.Variable("message_type", cel.StringType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "build cel environment")
	}
	return &Engine{env: env}, nil
}

// Rebuild recompiles the engine's snapshot from rs, called on every
// rule.* reload event. Malformed individual rules (bad regex/CEL) are
// skipped and logged by the caller, rather than failing the whole set.
func (e *Engine) Rebuild(rs []*model.Rule) []error {
	var warnings []error
	compiled := make([]compiledRule, 0, len(rs))
	for _, r := range rs {
		cr := compiledRule{rule: r}
		switch {
		case strings.HasPrefix(r.ChatPattern, regexPrefix):
			re, err := regexp.Compile(strings.TrimPrefix(r.ChatPattern, regexPrefix))
			if err != nil {
				warnings = append(warnings, errors.Wrapf(err, "rule %s: compile regex", r.ID))
				continue
			}
			cr.re = re
		case strings.HasPrefix(r.ChatPattern, celPrefix):
			ast, iss := e.env.Compile(strings.TrimPrefix(r.ChatPattern, celPrefix))
			if iss != nil && iss.Err() != nil {
				warnings = append(warnings, errors.Wrapf(iss.Err(), "rule %s: compile cel", r.ID))
				continue
			}
			prg, err := e.env.Program(ast)
			if err != nil {
				warnings = append(warnings, errors.Wrapf(err, "rule %s: build cel program", r.ID))
				continue
			}
			cr.program = prg
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].rule.Priority != compiled[j].rule.Priority {
			return compiled[i].rule.Priority > compiled[j].rule.Priority
		}
		return compiled[i].rule.ID < compiled[j].rule.ID
	})

	e.rules = compiled
	return warnings
}

// Match returns the highest-priority enabled rule matching (instanceID,
// chatName, msg), or nil if none matches. Pure over the engine's current
// snapshot.
func (e *Engine) Match(instanceID, chatName string, msg *model.Message) *model.Rule {
	for _, cr := range e.rules {
		if !cr.rule.Enabled {
			continue
		}
		if cr.rule.InstanceSelector != allInstances && cr.rule.InstanceSelector != instanceID {
			continue
		}
		if !matchesChat(cr, chatName, msg) {
			continue
		}
		if cr.rule.OnlyAtMessages && !matchesAtGate(msg.Content, cr.rule.AtName) {
			continue
		}
		return cr.rule
	}
	return nil
}

func matchesChat(cr compiledRule, chatName string, msg *model.Message) bool {
	pattern := cr.rule.ChatPattern
	switch {
	case pattern == wildcardPattern:
		return true
	case cr.re != nil:
		return cr.re.MatchString(chatName)
	case cr.program != nil:
		out, _, err := cr.program.Eval(map[string]any{
			"chat":         chatName,
			"sender":       msg.Sender,
			"content":      msg.Content,
			"message_type": string(msg.MessageType),
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	default:
		return pattern == chatName
	}
}

// matchesAtGate reports whether content, after leading whitespace,
// begins with "@" followed by exactly atName and then whitespace or
// end-of-string.
func matchesAtGate(content, atName string) bool {
	trimmed := strings.TrimLeft(content, " \t　")
	prefix := "@" + atName
	if !strings.HasPrefix(trimmed, prefix) {
		return false
	}
	rest := trimmed[len(prefix):]
	if rest == "" {
		return true
	}
	r := []rune(rest)[0]
	return r == ' ' || r == '\t' || r == '　'
}
