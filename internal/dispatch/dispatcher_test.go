package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gewegate/internal/config"
	"github.com/nextlevelbuilder/gewegate/internal/rules"
	"github.com/nextlevelbuilder/gewegate/internal/webhook"
)

func boolPtr(b bool) *bool { return &b }

type fixedSnapshot struct {
	snap *config.Snapshot
}

func (f fixedSnapshot) Snapshot() *config.Snapshot { return f.snap }

// catchAllSnapshot matches every event for wx_a.
func catchAllSnapshot() fixedSnapshot {
	return fixedSnapshot{snap: &config.Snapshot{
		ConfigVersion: config.ConfigVersion,
		Bots:          []config.Bot{{AppID: "wx_a", Token: "tok"}},
		RuleTemplates: []config.RuleTemplate{{
			ID:     "all",
			Match:  config.MatchSpec{Any: boolPtr(true)},
			Action: config.ActionSpec{Log: boolPtr(true)},
		}},
		RuleInstances: []config.RuleInstance{{ID: "all", Template: "all"}},
	}}
}

type trackingActioner struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	total    int
	delay    time.Duration
}

func (a *trackingActioner) Act(ctx context.Context, _ rules.MessageContext, _ rules.Action, _ rules.Result) error {
	a.mu.Lock()
	a.inFlight++
	if a.inFlight > a.maxSeen {
		a.maxSeen = a.inFlight
	}
	a.mu.Unlock()

	time.Sleep(a.delay)

	a.mu.Lock()
	a.inFlight--
	a.total++
	a.mu.Unlock()
	return nil
}

func TestDispatcherConcurrencyBound(t *testing.T) {
	const maxConcurrency = 3
	const events = 20

	ch := make(chan webhook.Event, events)
	for i := 0; i < events; i++ {
		ch <- webhook.Event{ID: fmt.Sprintf("ev-%d", i), AppID: "wx_a", TypeName: "Offline"}
	}
	close(ch)

	act := &trackingActioner{delay: 10 * time.Millisecond}
	d := New(ch, catchAllSnapshot(), act, maxConcurrency, 0)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	act.mu.Lock()
	defer act.mu.Unlock()
	if act.total != events {
		t.Errorf("processed = %d, want %d", act.total, events)
	}
	if act.maxSeen > maxConcurrency {
		t.Errorf("max in-flight = %d, want <= %d", act.maxSeen, maxConcurrency)
	}
	if act.maxSeen < 2 {
		t.Errorf("max in-flight = %d, want parallel processing under a burst", act.maxSeen)
	}
}

type blockingActioner struct {
	sawDeadline atomic.Bool
}

func (a *blockingActioner) Act(ctx context.Context, _ rules.MessageContext, _ rules.Action, _ rules.Result) error {
	<-ctx.Done()
	if ctx.Err() == context.DeadlineExceeded {
		a.sawDeadline.Store(true)
	}
	return ctx.Err()
}

func TestDispatcherPerEventTimeout(t *testing.T) {
	ch := make(chan webhook.Event, 1)
	ch <- webhook.Event{ID: "stuck", AppID: "wx_a", TypeName: "Offline"}
	close(ch)

	act := &blockingActioner{}
	d := New(ch, catchAllSnapshot(), act, 1, 30*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher hung on a stuck handler, want per-event deadline to fire")
	}
	if !act.sawDeadline.Load() {
		t.Error("handler never observed the deadline")
	}
}

type panicActioner struct {
	calls atomic.Int32
}

func (a *panicActioner) Act(context.Context, rules.MessageContext, rules.Action, rules.Result) error {
	if a.calls.Add(1) == 1 {
		panic("boom")
	}
	return nil
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	ch := make(chan webhook.Event, 2)
	ch <- webhook.Event{ID: "bad", AppID: "wx_a", TypeName: "Offline"}
	ch <- webhook.Event{ID: "good", AppID: "wx_a", TypeName: "Offline"}
	close(ch)

	act := &panicActioner{}
	d := New(ch, catchAllSnapshot(), act, 1, 0)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := act.calls.Load(); got != 2 {
		t.Errorf("actioner calls = %d, want 2 (loop survives a panicking task)", got)
	}
}

func TestNormalize(t *testing.T) {
	wrap := func(s string) map[string]any { return map[string]any{"string": s} }
	payload := func(v map[string]any) json.RawMessage {
		data, _ := json.Marshal(v)
		return data
	}

	tests := []struct {
		name     string
		typeName string
		data     map[string]any
		want     rules.MessageContext
	}{
		{
			name:     "private text",
			typeName: "AddMsg",
			data: map[string]any{
				"MsgType":      1,
				"FromUserName": wrap("wxid_alice"),
				"ToUserName":   wrap("wxid_bot"),
				"Content":      wrap("hello there"),
			},
			want: rules.MessageContext{
				AppID: "wx_a", MsgKind: "text", ChatType: "private",
				Content: "hello there", FromWxid: "wxid_alice",
			},
		},
		{
			name:     "group text strips sender prefix and detects mention",
			typeName: "AddMsg",
			data: map[string]any{
				"MsgType":      1,
				"FromUserName": wrap("123456@chatroom"),
				"ToUserName":   wrap("wxid_bot"),
				"Content":      wrap("wxid_alice:\n@bot ping"),
				"MsgSource":    "<msgsource><atuserlist>wxid_bot</atuserlist></msgsource>",
			},
			want: rules.MessageContext{
				AppID: "wx_a", MsgKind: "text", ChatType: "group",
				Content: "@bot ping", FromWxid: "wxid_alice", Mentioned: true,
			},
		},
		{
			name:     "image",
			typeName: "AddMsg",
			data: map[string]any{
				"MsgType":      3,
				"FromUserName": wrap("wxid_alice"),
				"ToUserName":   wrap("wxid_bot"),
				"Content":      wrap("<img/>"),
			},
			want: rules.MessageContext{
				AppID: "wx_a", MsgKind: "image", ChatType: "private",
				Content: "<img/>", FromWxid: "wxid_alice",
			},
		},
		{
			name:     "appmsg link",
			typeName: "AddMsg",
			data: map[string]any{
				"MsgType":      49,
				"FromUserName": wrap("wxid_alice"),
				"ToUserName":   wrap("wxid_bot"),
				"Content":      wrap("<appmsg><type>5</type></appmsg>"),
			},
			want: rules.MessageContext{
				AppID: "wx_a", MsgKind: "link", ChatType: "private",
				Content: "<appmsg><type>5</type></appmsg>", FromWxid: "wxid_alice",
			},
		},
		{
			name:     "non-message push",
			typeName: "Offline",
			data:     map[string]any{},
			want:     rules.MessageContext{AppID: "wx_a", MsgKind: "any"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalize(webhook.Event{
				AppID:    "wx_a",
				TypeName: tt.typeName,
				Data:     payload(tt.data),
			})
			if got != tt.want {
				t.Errorf("normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
