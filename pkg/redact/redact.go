// Package redact implements the Redactor (spec.md §4.9): an ordered table
// of regex rules applied to event payloads before they are persisted to
// the ledger. Redaction runs strictly after fingerprinting, so two runs
// that differ only in a redacted secret still compare equal.
//
// Adapted from pkg/security/sanitizer.go's ordered-pattern-table idiom,
// generalized from a fixed built-in pattern set to the caller-supplied,
// ordered types.RedactionRule list spec.md §6.5 requires, and extended to
// carry the matching rule's id in the replacement sentinel for audit
// (spec.md §4.9).
package redact

import (
	"fmt"
	"regexp"

	apperrors "github.com/agentreplay/core/pkg/errors"
	"github.com/agentreplay/core/pkg/types"
)

// rule is a compiled types.RedactionRule.
type rule struct {
	id          string
	pattern     *regexp.Regexp
	replacement string
}

// Redactor applies an ordered list of regex rules to strings.
type Redactor struct {
	rules []rule
}

// New compiles the ordered rule table from Config. Rules are applied in
// the order given; a rule's replacement may reference capture groups
// (e.g. "${1}") exactly as regexp.ReplaceAllString does.
func New(rules []types.RedactionRule) (*Redactor, error) {
	r := &Redactor{rules: make([]rule, 0, len(rules))}
	for _, cfg := range rules {
		if cfg.ID == "" {
			return nil, apperrors.New(apperrors.CodeConfigInvalid, "redact", "compile", "redaction rule missing id")
		}
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, apperrors.New(apperrors.CodeConfigInvalid, "redact", "compile",
				fmt.Sprintf("rule %q: invalid pattern: %v", cfg.ID, err)).Wrap(err)
		}
		replacement := cfg.Replacement
		if replacement == "" {
			replacement = sentinel(cfg.ID)
		}
		r.rules = append(r.rules, rule{id: cfg.ID, pattern: re, replacement: replacement})
	}
	return r, nil
}

func sentinel(ruleID string) string {
	return "<redacted:" + ruleID + ">"
}

// Applied records which rules actually matched during a call to Redact.
// Manifest.RedactionApplied is not derived from it: the recorder sets that
// flag whenever any redaction rule is configured.
type Applied struct {
	RuleIDs []string
}

// Redact applies every compiled rule in order to s and reports which
// rule ids matched at least once.
func (r *Redactor) Redact(s string) (string, Applied) {
	if len(r.rules) == 0 || s == "" {
		return s, Applied{}
	}
	var applied Applied
	out := s
	for _, rl := range r.rules {
		if !rl.pattern.MatchString(out) {
			continue
		}
		out = rl.pattern.ReplaceAllString(out, rl.replacement)
		applied.RuleIDs = append(applied.RuleIDs, rl.id)
	}
	return out, applied
}

// RedactPreview applies the rule table to an inputs_preview string
// (spec.md §4.9): previews are redacted text, never structured values, so
// this is a thin alias kept for call-site clarity in pkg/normalize
// consumers and internal/recorder.
func (r *Redactor) RedactPreview(preview string) (string, Applied) {
	return r.Redact(preview)
}

// Empty reports whether the Redactor has no rules configured, letting
// callers skip the pass entirely on the hot path.
func (r *Redactor) Empty() bool {
	return len(r.rules) == 0
}
