// Package rules evaluates the configured rule set against one inbound
// message. Evaluation is pure: it reads an immutable config snapshot and the
// message context, holds no state and performs no I/O.
package rules

import (
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/gewegate/internal/config"
)

// ErrUnknownBot means the message's app_id has no bot entry in the snapshot.
var ErrUnknownBot = errors.New("app_id not present in configuration")

// MessageContext is the normalized view of one inbound message.
type MessageContext struct {
	AppID     string `json:"app_id"`
	MsgKind   string `json:"msg_kind"`
	ChatType  string `json:"chat_type"` // private | group
	Content   string `json:"content"`
	FromWxid  string `json:"from_wxid,omitempty"`
	Mentioned bool   `json:"mentioned,omitempty"`
}

// Match records one instance that matched, in priority order.
type Match struct {
	InstanceID    string `json:"instance_id"`
	TemplateID    string `json:"template_id"`
	Priority      int    `json:"priority"`
	ActionSummary string `json:"action_summary"`
}

// Result is the evaluation outcome. FinalAction is the composed action of the
// first match only; later matches are reported but not acted on.
type Result struct {
	Matched     bool    `json:"matched"`
	Rules       []Match `json:"rules"`
	FinalAction string  `json:"final_action,omitempty"`
}

// Action is the fully composed action for the first matching instance.
type Action struct {
	AIProfile string
	ReplyText string
	Log       bool
}

// Evaluate runs every enabled rule instance against the message, lowest
// priority first. All matches are collected; the first one decides the
// action. Returns ErrUnknownBot when the app_id is not configured.
func Evaluate(snap *config.Snapshot, mctx MessageContext) (Result, *Action, error) {
	if snap.FindBot(mctx.AppID) == nil {
		return Result{}, nil, ErrUnknownBot
	}

	templates := make(map[string]*config.RuleTemplate, len(snap.RuleTemplates))
	for i := range snap.RuleTemplates {
		templates[snap.RuleTemplates[i].ID] = &snap.RuleTemplates[i]
	}

	// Stable sort keeps declaration order between equal priorities, which is
	// what makes first-match deterministic.
	instances := make([]*config.RuleInstance, 0, len(snap.RuleInstances))
	for i := range snap.RuleInstances {
		instances = append(instances, &snap.RuleInstances[i])
	}
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].Priority < instances[j].Priority
	})

	var res Result
	var firstAction *Action
	for _, inst := range instances {
		if !inst.IsEnabled() {
			continue
		}
		tpl, ok := templates[inst.Template]
		if !ok {
			// Unresolved reference: the instance is ineligible, not an error.
			continue
		}
		if inst.Channel != "" && inst.Channel != mctx.ChatType {
			continue
		}
		if inst.From.Wxid != "" && inst.From.Wxid != mctx.FromWxid {
			continue
		}
		if !kindMatches(tpl.Kind, mctx.MsgKind) {
			continue
		}
		if !contentMatches(tpl.Match, mctx.Content) {
			continue
		}
		if requireMention(tpl, inst) && mctx.ChatType == "group" && !mctx.Mentioned {
			continue
		}

		action := composeAction(tpl, inst)
		summary := summarize(action)
		res.Rules = append(res.Rules, Match{
			InstanceID:    inst.ID,
			TemplateID:    inst.Template,
			Priority:      inst.Priority,
			ActionSummary: summary,
		})
		if firstAction == nil {
			firstAction = &action
			res.FinalAction = summary
		}
	}

	res.Matched = len(res.Rules) > 0
	return res, firstAction, nil
}

func kindMatches(kind, msgKind string) bool {
	if kind == "" || strings.EqualFold(kind, "any") {
		return true
	}
	return strings.EqualFold(kind, msgKind)
}

// contentMatches evaluates the predicate conjunction. An empty spec matches
// everything (a conjunction over zero predicates holds vacuously).
func contentMatches(m config.MatchSpec, content string) bool {
	if m.Any != nil && *m.Any {
		return true
	}
	// Only the message content is trimmed; the configured value is compared
	// as written.
	if m.Equals != nil && strings.TrimSpace(content) != *m.Equals {
		return false
	}
	if m.Contains != nil && !strings.Contains(content, *m.Contains) {
		return false
	}
	if m.Regex != nil {
		re, err := regexp.Compile(*m.Regex)
		// A pattern that fails to compile does not eliminate the instance.
		// Validate rejects such configs before publish; this path only covers
		// hand-edited files that bypassed lint.
		if err == nil && !re.MatchString(content) {
			return false
		}
	}
	return true
}

func requireMention(tpl *config.RuleTemplate, inst *config.RuleInstance) bool {
	if inst.Overrides != nil && inst.Overrides.RequireMention != nil {
		return *inst.Overrides.RequireMention
	}
	if tpl.Action.RequireMention != nil {
		return *tpl.Action.RequireMention
	}
	if tpl.Defaults.RequireMention != nil {
		return *tpl.Defaults.RequireMention
	}
	return false
}

// composeAction resolves each field independently: instance override, then
// template action, then template defaults.
func composeAction(tpl *config.RuleTemplate, inst *config.RuleInstance) Action {
	var ov config.ActionSpec
	if inst.Overrides != nil {
		ov = *inst.Overrides
	}
	return Action{
		AIProfile: pickString(ov.AIProfile, tpl.Action.AIProfile, tpl.Defaults.AIProfile),
		ReplyText: pickString(ov.ReplyText, tpl.Action.ReplyText, tpl.Defaults.ReplyText),
		Log:       pickBool(ov.Log, tpl.Action.Log, tpl.Defaults.Log),
	}
}

func pickString(vals ...*string) string {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return ""
}

func pickBool(vals ...*bool) bool {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return false
}

// summarize renders the composed action as "ai(<profile>), reply_text, log"
// in that fixed order, or "no action" when nothing is set.
func summarize(a Action) string {
	var parts []string
	if a.AIProfile != "" {
		parts = append(parts, "ai("+a.AIProfile+")")
	}
	if a.ReplyText != "" {
		parts = append(parts, "reply_text")
	}
	if a.Log {
		parts = append(parts, "log")
	}
	if len(parts) == 0 {
		return "no action"
	}
	return strings.Join(parts, ", ")
}
