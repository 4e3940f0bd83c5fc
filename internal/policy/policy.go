// Package policy implements the Policy Engine: an ordered rule table
// that decides allow / block / require-approval for a tool invocation,
// consulted synchronously by the Dispatch Engine before any secret
// expansion.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Action is the Policy Engine's verdict for an invocation.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionBlock   Action = "block"
	ActionApprove Action = "require_approval"
)

// Rule is one entry in the ordered table the engine consults. Match
// granularity increases left to right: a rule with only Category
// matches every tool in that category; adding Name narrows it to one
// tool; adding ParamPattern further narrows it to calls whose named
// param matches a glob.
type Rule struct {
	Category     string
	Name         string // empty matches any name within Category
	ParamName    string // empty means this rule has no param pattern
	ParamPattern string // glob, evaluated against the string value of ParamName
	Action       Action
	Reason       string
	TTLSeconds   int // only meaningful when Action == ActionApprove; 0 means "use engine default"
}

// Decision is the result of evaluating a rule table against one call.
type Decision struct {
	Action     Action
	Reason     string
	TTLSeconds int
	Matched    *Rule // nil if no rule matched; requires_hitl_default decided instead
}

// Engine holds the ordered rule table plus the default TTL applied when
// a rule doesn't specify its own.
type Engine struct {
	rules      []Rule
	defaultTTL int
}

// NewEngine builds an Engine. Rules are evaluated in the order given;
// the first match wins.
func NewEngine(rules []Rule, defaultTTLSeconds int) *Engine {
	if defaultTTLSeconds <= 0 {
		defaultTTLSeconds = 300
	}
	return &Engine{rules: rules, defaultTTL: defaultTTLSeconds}
}

// DefaultTTL returns the TTL applied when a rule doesn't set its own.
func (e *Engine) DefaultTTL() int { return e.defaultTTL }

// Evaluate decides the action for a call to (category, name) with the
// given params. requiresHITLDefault is the tool descriptor's own
// default, consulted only when no rule matches.
func (e *Engine) Evaluate(category, name string, params map[string]any, requiresHITLDefault bool) Decision {
	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.matchesCoordinates(category, name) {
			continue
		}
		if rule.ParamName != "" && !rule.matchesParam(params) {
			continue
		}
		ttl := rule.TTLSeconds
		if ttl <= 0 {
			ttl = e.defaultTTL
		}
		return Decision{Action: rule.Action, Reason: rule.Reason, TTLSeconds: ttl, Matched: rule}
	}

	if requiresHITLDefault {
		return Decision{
			Action:     ActionApprove,
			Reason:     fmt.Sprintf("%s.%s requires approval by default", category, name),
			TTLSeconds: e.defaultTTL,
		}
	}
	return Decision{Action: ActionAllow, Reason: "no matching rule; tool does not require approval by default"}
}

func (r *Rule) matchesCoordinates(category, name string) bool {
	if r.Category != category {
		return false
	}
	if r.Name == "" {
		return true
	}
	return r.Name == name
}

func (r *Rule) matchesParam(params map[string]any) bool {
	raw, ok := params[r.ParamName]
	if !ok {
		return false
	}
	s, ok := raw.(string)
	if !ok {
		return false
	}
	matched, err := filepath.Match(r.ParamPattern, s)
	if err != nil {
		return false
	}
	if matched {
		return true
	}
	// Allow patterns like "*.conf" to match basenames within longer paths
	// (e.g. "config/app.conf"), not just bare filenames.
	matched, _ = filepath.Match(r.ParamPattern, filepath.Base(s))
	return matched
}

// RulesFromPatternList expands a policy override's hitl_patterns or
// block_patterns (glob lists applied to a tool's primary param) into
// individual Rule entries, one per pattern, all sharing the given
// action and param name.
func RulesFromPatternList(category, name, paramName string, patterns []string, action Action, reason string, ttlSeconds int) []Rule {
	out := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Rule{
			Category:     category,
			Name:         name,
			ParamName:    paramName,
			ParamPattern: p,
			Action:       action,
			Reason:       reason,
			TTLSeconds:   ttlSeconds,
		})
	}
	return out
}
