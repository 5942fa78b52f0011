// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

// Intent is the classified meaning of a reviewer's reply on a pending
// validation (§4.4 step 4: "interpret the body ... into
// {approve | reject | abandon}").
type Intent string

const (
	IntentApprove      Intent = "approve"
	IntentReject       Intent = "reject"
	IntentAbandon      Intent = "abandon"
	IntentUnrecognized Intent = ""
)

// Rule pairs an intent with the expression that recognizes it. Expressions
// run against a context of {body: lowercased reply text} and may call
// hasAny(body, [...keywords]).
type Rule struct {
	Intent     Intent
	Expression string
}

// DefaultRules are the keyword sets a reviewer is likely to use. They are
// plain data, not code, so an operator can swap them for an LLM-backed
// rule set (§4.4: "external: LLM or rules") without touching Classifier.
var DefaultRules = []Rule{
	{IntentApprove, `hasAny(body, ["approve", "approved", "lgtm", "looks good", "ship it", "go ahead"])`},
	{IntentReject, `hasAny(body, ["reject", "rejected", "needs work", "not quite", "try again", "no good", "changes requested"])`},
	{IntentAbandon, `hasAny(body, ["abandon", "give up", "cancel this", "stop trying", "drop it"])`},
}

// MergeExpression recognizes an explicit instruction to merge on approval.
const MergeExpression = `hasAny(body, ["merge", "merge it", "merge when green", "and merge"])`

// Classifier compiles and caches rule expressions against expr-lang
// programs, evaluating a reply in rule order and returning the first
// intent whose expression matches.
type Classifier struct {
	rules []Rule
	merge *vm.Program

	mu    sync.Mutex
	cache map[string]*vm.Program
}

// NewClassifier compiles rules (DefaultRules if nil) plus MergeExpression,
// failing fast on malformed expressions rather than at first reply.
func NewClassifier(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	c := &Classifier{rules: rules, cache: make(map[string]*vm.Program)}
	for _, r := range rules {
		if _, err := c.compile(r.Expression); err != nil {
			return nil, err
		}
	}
	merge, err := c.compile(MergeExpression)
	if err != nil {
		return nil, err
	}
	c.merge = merge
	return c, nil
}

func exprOptions() []expr.Option {
	return []expr.Option{
		expr.Env(map[string]any{
			"body":   "",
			"hasAny": hasAny,
		}),
		expr.AsBool(),
	}
}

// hasAny reports whether text contains any of needles, case-insensitively.
// Registered into the expr-lang environment the way the teacher registers
// containsFunc/lenFunc for its workflow condition language.
func hasAny(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("hasAny requires exactly 2 arguments, got %d", len(args))
	}
	text, ok := args[0].(string)
	if !ok {
		return false, nil
	}
	needles, ok := args[1].([]any)
	if !ok {
		return false, nil
	}
	for _, n := range needles {
		needle, ok := n.(string)
		if !ok {
			continue
		}
		if strings.Contains(text, strings.ToLower(needle)) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Classifier) compile(expression string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.cache[expression]; ok {
		return p, nil
	}
	p, err := expr.Compile(expression, exprOptions()...)
	if err != nil {
		return nil, &tferrors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("compiling %q: %s", expression, err.Error()),
			Suggestion: "check expression syntax against the expr-lang grammar",
		}
	}
	c.cache[expression] = p
	return p, nil
}

// Classify evaluates body against the configured rules in order.
func (c *Classifier) Classify(body string) Intent {
	env := map[string]any{"body": strings.ToLower(body), "hasAny": hasAny}
	for _, r := range c.rules {
		prog, err := c.compile(r.Expression)
		if err != nil {
			continue
		}
		result, err := expr.Run(prog, env)
		if err != nil {
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			return r.Intent
		}
	}
	return IntentUnrecognized
}

// ShouldMerge reports whether an approving reply also asked to merge.
func (c *Classifier) ShouldMerge(body string) bool {
	env := map[string]any{"body": strings.ToLower(body), "hasAny": hasAny}
	result, err := expr.Run(c.merge, env)
	if err != nil {
		return false
	}
	matched, _ := result.(bool)
	return matched
}
