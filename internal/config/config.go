// Package config defines the persisted gateway configuration: registered bots,
// AI profiles, rule templates and rule instances, plus server/storage settings.
// The on-disk format is TOML; see testdata/config.toml for a full example.
package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ConfigVersion is the only schema version this build reads or writes.
const ConfigVersion = 2

// Message kinds a rule template may bind to. "any" matches every kind.
var knownKinds = map[string]bool{
	"text":        true,
	"image":       true,
	"voice":       true,
	"video":       true,
	"emoji":       true,
	"link":        true,
	"file_notice": true,
	"any":         true,
}

// Snapshot is one complete parsed configuration. Snapshots are immutable after
// load; the store hands out a new one on every reload or rollback.
type Snapshot struct {
	ConfigVersion int            `toml:"config_version" json:"config_version"`
	Server        Server         `toml:"server" json:"server"`
	Storage       Storage        `toml:"storage" json:"storage"`
	Bots          []Bot          `toml:"bots" json:"bots"`
	AIProfiles    []AIProfile    `toml:"ai_profiles,omitempty" json:"ai_profiles,omitempty"`
	RuleTemplates []RuleTemplate `toml:"rule_templates,omitempty" json:"rule_templates,omitempty"`
	RuleInstances []RuleInstance `toml:"rule_instances,omitempty" json:"rule_instances,omitempty"`
}

// Server holds process-level settings for the webhook listener and dispatcher.
type Server struct {
	ListenAddr             string  `toml:"listen_addr" json:"listen_addr"`
	QueueSize              int     `toml:"queue_size" json:"queue_size"`                             // bounded event channel capacity
	MaxConcurrency         int     `toml:"max_concurrency" json:"max_concurrency"`                   // in-flight dispatch cap
	DispatchTimeoutSeconds int     `toml:"dispatch_timeout_seconds" json:"dispatch_timeout_seconds"` // 0 = no deadline
	RequireSignature       bool    `toml:"require_signature" json:"require_signature"`
	WebhookRate            float64 `toml:"webhook_rate" json:"webhook_rate"` // per-bot pushes/sec, 0 = unlimited
	WebhookBurst           int     `toml:"webhook_burst" json:"webhook_burst"`
	AdminToken             string  `toml:"admin_token,omitempty" json:"-"`
}

// Storage selects the registry backend.
type Storage struct {
	Registry    string `toml:"registry" json:"registry"` // memory | sqlite | postgres
	SQLitePath  string `toml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty" json:"-"`
}

// Bot is one registered account. Token and webhook secret may be given inline
// or indirected through an environment variable name.
type Bot struct {
	AppID            string `toml:"app_id" json:"app_id"`
	Token            string `toml:"token,omitempty" json:"-"`
	TokenEnv         string `toml:"token_env,omitempty" json:"token_env,omitempty"`
	WebhookSecret    string `toml:"webhook_secret,omitempty" json:"-"`
	WebhookSecretEnv string `toml:"webhook_secret_env,omitempty" json:"webhook_secret_env,omitempty"`
	Description      string `toml:"description,omitempty" json:"description,omitempty"`
}

// AIProfile names a model configuration a rule action can point at.
type AIProfile struct {
	ID           string `toml:"id" json:"id"`
	Provider     string `toml:"provider,omitempty" json:"provider,omitempty"`
	Model        string `toml:"model,omitempty" json:"model,omitempty"`
	SystemPrompt string `toml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// MatchSpec is a conjunction of content predicates. Any=true short-circuits
// the rest. Unset fields do not participate in the conjunction.
type MatchSpec struct {
	Any      *bool   `toml:"any,omitempty" json:"any,omitempty"`
	Equals   *string `toml:"equals,omitempty" json:"equals,omitempty"`
	Contains *string `toml:"contains,omitempty" json:"contains,omitempty"`
	Regex    *string `toml:"regex,omitempty" json:"regex,omitempty"`
}

// ActionSpec describes what to do on a match. Fields compose per-field:
// instance override, then template action, then template defaults.
type ActionSpec struct {
	AIProfile      *string `toml:"ai_profile,omitempty" json:"ai_profile,omitempty"`
	ReplyText      *string `toml:"reply_text,omitempty" json:"reply_text,omitempty"`
	Log            *bool   `toml:"log,omitempty" json:"log,omitempty"`
	RequireMention *bool   `toml:"require_mention,omitempty" json:"require_mention,omitempty"`
}

// RuleTemplate is a reusable kind+match+action definition.
type RuleTemplate struct {
	ID       string     `toml:"id" json:"id"`
	Kind     string     `toml:"kind,omitempty" json:"kind,omitempty"` // empty means no kind filter
	Match    MatchSpec  `toml:"match,omitempty" json:"match,omitempty"`
	Action   ActionSpec `toml:"action,omitempty" json:"action,omitempty"`
	Defaults ActionSpec `toml:"defaults,omitempty" json:"defaults,omitempty"`
}

// FromSpec narrows an instance to a specific sender.
type FromSpec struct {
	Wxid string `toml:"wxid,omitempty" json:"wxid,omitempty"`
}

// RuleInstance binds a template to channel/sender conditions with a priority.
type RuleInstance struct {
	ID        string      `toml:"id" json:"id"`
	Template  string      `toml:"template" json:"template"`
	Priority  int         `toml:"priority,omitempty" json:"priority,omitempty"` // lower sorts first, default 0
	Enabled   *bool       `toml:"enabled,omitempty" json:"enabled,omitempty"`   // default true
	Channel   string      `toml:"channel,omitempty" json:"channel,omitempty"`   // private | group, empty = both
	From      FromSpec    `toml:"from,omitempty" json:"from,omitempty"`
	Overrides *ActionSpec `toml:"overrides,omitempty" json:"overrides,omitempty"`
}

// IsEnabled reports the effective enabled flag (nil means true).
func (ri *RuleInstance) IsEnabled() bool {
	return ri.Enabled == nil || *ri.Enabled
}

// Default returns a snapshot with sane server settings and no bots or rules.
func Default() *Snapshot {
	return &Snapshot{
		ConfigVersion: ConfigVersion,
		Server: Server{
			ListenAddr:             "0.0.0.0:8086",
			QueueSize:              256,
			MaxConcurrency:         8,
			DispatchTimeoutSeconds: 30,
			WebhookBurst:           10,
		},
		Storage: Storage{Registry: "memory"},
	}
}

// Validate performs pure semantic validation and returns human-readable
// problems. An empty slice means the snapshot is publishable. No I/O.
func (s *Snapshot) Validate() []string {
	var errs []string

	if s.ConfigVersion != ConfigVersion {
		errs = append(errs, fmt.Sprintf("config_version must be %d, got %d", ConfigVersion, s.ConfigVersion))
	}
	if s.Server.QueueSize < 0 {
		errs = append(errs, "server.queue_size must not be negative")
	}
	if s.Server.MaxConcurrency < 0 {
		errs = append(errs, "server.max_concurrency must not be negative")
	}
	switch s.Storage.Registry {
	case "", "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("storage.registry %q is not one of memory, sqlite, postgres", s.Storage.Registry))
	}

	botIDs := make(map[string]bool, len(s.Bots))
	for i, b := range s.Bots {
		if b.AppID == "" {
			errs = append(errs, fmt.Sprintf("bots[%d]: app_id is required", i))
			continue
		}
		if botIDs[b.AppID] {
			errs = append(errs, fmt.Sprintf("bots[%d]: duplicate app_id %q", i, b.AppID))
		}
		botIDs[b.AppID] = true
		if b.Token == "" && b.TokenEnv == "" {
			errs = append(errs, fmt.Sprintf("bot %q: either token or token_env is required", b.AppID))
		}
	}

	profileIDs := make(map[string]bool, len(s.AIProfiles))
	for i, p := range s.AIProfiles {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("ai_profiles[%d]: id is required", i))
			continue
		}
		if profileIDs[p.ID] {
			errs = append(errs, fmt.Sprintf("ai_profiles[%d]: duplicate id %q", i, p.ID))
		}
		profileIDs[p.ID] = true
	}

	templateIDs := make(map[string]bool, len(s.RuleTemplates))
	for i, t := range s.RuleTemplates {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("rule_templates[%d]: id is required", i))
			continue
		}
		if templateIDs[t.ID] {
			errs = append(errs, fmt.Sprintf("rule_templates[%d]: duplicate id %q", i, t.ID))
		}
		templateIDs[t.ID] = true
		if t.Kind != "" && !knownKinds[strings.ToLower(t.Kind)] {
			errs = append(errs, fmt.Sprintf("rule template %q: unknown kind %q", t.ID, t.Kind))
		}
		if t.Match.Regex != nil {
			if _, err := regexp.Compile(*t.Match.Regex); err != nil {
				errs = append(errs, fmt.Sprintf("rule template %q: invalid regex: %v", t.ID, err))
			}
		}
		if t.Action.AIProfile != nil && !profileIDs[*t.Action.AIProfile] {
			errs = append(errs, fmt.Sprintf("rule template %q: unknown ai_profile %q", t.ID, *t.Action.AIProfile))
		}
	}

	instanceIDs := make(map[string]bool, len(s.RuleInstances))
	for i, ri := range s.RuleInstances {
		if ri.ID == "" {
			errs = append(errs, fmt.Sprintf("rule_instances[%d]: id is required", i))
			continue
		}
		if instanceIDs[ri.ID] {
			errs = append(errs, fmt.Sprintf("rule_instances[%d]: duplicate id %q", i, ri.ID))
		}
		instanceIDs[ri.ID] = true
		if ri.Template == "" {
			errs = append(errs, fmt.Sprintf("rule instance %q: template is required", ri.ID))
		} else if !templateIDs[ri.Template] {
			errs = append(errs, fmt.Sprintf("rule instance %q: unknown template %q", ri.ID, ri.Template))
		}
		switch ri.Channel {
		case "", "private", "group":
		default:
			errs = append(errs, fmt.Sprintf("rule instance %q: channel %q is not one of private, group", ri.ID, ri.Channel))
		}
		if ri.Overrides != nil && ri.Overrides.AIProfile != nil && !profileIDs[*ri.Overrides.AIProfile] {
			errs = append(errs, fmt.Sprintf("rule instance %q: unknown ai_profile %q", ri.ID, *ri.Overrides.AIProfile))
		}
	}

	return errs
}

// FindBot returns the bot with the given app_id, or nil.
func (s *Snapshot) FindBot(appID string) *Bot {
	for i := range s.Bots {
		if s.Bots[i].AppID == appID {
			return &s.Bots[i]
		}
	}
	return nil
}
