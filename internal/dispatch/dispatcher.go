// Package dispatch drains the ingestion queue and runs rule evaluation under
// a global concurrency cap with a per-event deadline.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/gewegate/internal/config"
	"github.com/nextlevelbuilder/gewegate/internal/metrics"
	"github.com/nextlevelbuilder/gewegate/internal/rules"
	"github.com/nextlevelbuilder/gewegate/internal/tracing"
	"github.com/nextlevelbuilder/gewegate/internal/webhook"
)

// SnapshotSource yields the current config snapshot. The store satisfies it;
// each event is evaluated against whatever snapshot is live at dequeue time.
type SnapshotSource interface {
	Snapshot() *config.Snapshot
}

// Actioner receives the composed action of the first matching rule. The
// production outbound client lives outside this repo; the default Actioner
// logs the decision.
type Actioner interface {
	Act(ctx context.Context, mctx rules.MessageContext, action rules.Action, result rules.Result) error
}

// Dispatcher is the single consumer loop over the event queue. Events are
// dequeued FIFO but processed in parallel, so completion order is not
// guaranteed; throughput is favored over per-bot ordering.
type Dispatcher struct {
	events         <-chan webhook.Event
	snaps          SnapshotSource
	actioner       Actioner
	maxConcurrency int
	timeout        time.Duration
}

// New creates a dispatcher. maxConcurrency below 1 is clamped to 1;
// timeout 0 disables the per-event deadline.
func New(events <-chan webhook.Event, snaps SnapshotSource, actioner Actioner, maxConcurrency int, timeout time.Duration) *Dispatcher {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Dispatcher{
		events:         events,
		snaps:          snaps,
		actioner:       actioner,
		maxConcurrency: maxConcurrency,
		timeout:        timeout,
	}
}

// Run consumes events until ctx is cancelled or the channel closes, then
// waits for in-flight work. The bounded group owns the concurrency slots: a
// task that panics or returns early still releases its slot when the closure
// exits, so capacity cannot leak.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher started", "max_concurrency", d.maxConcurrency, "timeout", d.timeout)

	var g errgroup.Group
	g.SetLimit(d.maxConcurrency)

	for {
		select {
		case <-ctx.Done():
			g.Wait()
			slog.Info("dispatcher stopped")
			return ctx.Err()
		case ev, ok := <-d.events:
			if !ok {
				err := g.Wait()
				slog.Info("dispatcher drained")
				return err
			}
			metrics.QueueDepth.Set(float64(len(d.events)))
			// Blocks while all slots are busy; that suspension is the
			// semaphore acquire between dequeue and spawn.
			g.Go(func() error {
				d.process(ctx, ev)
				return nil
			})
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, ev webhook.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventsFailed.Inc()
			slog.Error("event handler panicked", "event_id", ev.ID, "app_id", ev.AppID, "panic", r)
		}
	}()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	metrics.EventsDispatched.Inc()
	if err := d.handle(ctx, ev); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.EventsTimedOut.Inc()
		}
		metrics.EventsFailed.Inc()
		slog.Error("event handling failed",
			"event_id", ev.ID,
			"app_id", ev.AppID,
			"type_name", ev.TypeName,
			"error", err,
		)
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev webhook.Event) error {
	ctx, span := tracing.Tracer().Start(ctx, "event.handle", trace.WithAttributes(
		attribute.String("app_id", ev.AppID),
		attribute.String("type_name", ev.TypeName),
	))
	defer span.End()

	mctx := normalize(ev)

	result, action, err := rules.Evaluate(d.snaps.Snapshot(), mctx)
	if err != nil {
		if errors.Is(err, rules.ErrUnknownBot) {
			// Registered in the registry but absent from the rule config:
			// nothing to evaluate, not a failure.
			slog.Debug("no rule config for bot", "app_id", ev.AppID)
			return nil
		}
		return err
	}
	if !result.Matched || action == nil {
		slog.Debug("no rule matched",
			"app_id", ev.AppID,
			"msg_kind", mctx.MsgKind,
			"chat_type", mctx.ChatType,
		)
		return nil
	}

	for _, m := range result.Rules {
		metrics.RuleMatches.WithLabelValues(m.InstanceID).Inc()
	}
	slog.Info("rule matched",
		"app_id", ev.AppID,
		"instance", result.Rules[0].InstanceID,
		"action", result.FinalAction,
		"also_matched", len(result.Rules)-1,
	)

	return d.actioner.Act(ctx, mctx, *action, result)
}

// LogActioner logs composed actions instead of calling the platform API.
type LogActioner struct{}

func (LogActioner) Act(_ context.Context, mctx rules.MessageContext, action rules.Action, _ rules.Result) error {
	slog.Info("action composed",
		"app_id", mctx.AppID,
		"ai_profile", action.AIProfile,
		"reply_text", action.ReplyText != "",
		"log", action.Log,
	)
	return nil
}
