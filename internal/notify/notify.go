package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/downloadmanager/internal/coordinator"
	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/telemetry"
)

// ErrUnknownAction is returned for actions an indicator never offers.
var ErrUnknownAction = errors.New("notify: unknown action")

// Action is a control offered on an indicator.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionRetry  Action = "retry"
	ActionCancel Action = "cancel"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionPause, ActionResume, ActionRetry, ActionCancel:
		return a, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// IndicatorKind tells renderers whether to update, finish or drop an indicator.
type IndicatorKind int

const (
	IndicatorOngoing IndicatorKind = iota
	IndicatorTerminal
	IndicatorDismissed
)

func (k IndicatorKind) String() string {
	switch k {
	case IndicatorOngoing:
		return "ongoing"
	case IndicatorTerminal:
		return "terminal"
	case IndicatorDismissed:
		return "dismissed"
	}

	return "unknown"
}

// Indicator is the user-facing view of one task.
type Indicator struct {
	Kind      IndicatorKind
	Link      string
	RequestID string
	State     task.State
	Title     string
	Text      string
	Progress  float64
	Actions   []Action
}

// Renderer displays indicators somewhere.
type Renderer interface {
	Name() string
	Render(ctx context.Context, ind Indicator) error
}

// Source streams task events.
type Source interface {
	Subscribe(ctx context.Context) <-chan coordinator.TaskEvent
}

// Commander receives the commands behind indicator actions.
type Commander interface {
	Pause(ctx context.Context, requestID string) error
	Resume(ctx context.Context, requestID string) error
	Retry(ctx context.Context, requestID string) error
	Cancel(ctx context.Context, requestID string) error
}

// Coordinator keeps one indicator per task in sync with the task stream. It
// never changes task state except through user actions.
type Coordinator struct {
	source    Source
	commands  Commander
	renderers []Renderer
	tel       *telemetry.Telemetry

	mu      sync.Mutex
	ongoing map[string]bool
	fired   map[string]task.State // last terminal state shown per link
}

// New creates a notification coordinator.
func New(source Source, commands Commander, tel *telemetry.Telemetry, renderers ...Renderer) *Coordinator {
	return &Coordinator{
		source:    source,
		commands:  commands,
		renderers: renderers,
		tel:       tel,
		ongoing:   make(map[string]bool),
		fired:     make(map[string]task.State),
	}
}

// Run renders task events until ctx is done.
func (n *Coordinator) Run(ctx context.Context) error {
	for ev := range n.source.Subscribe(ctx) {
		if ind, ok := n.indicatorFor(ev); ok {
			n.render(ctx, ind)
		}
	}

	return nil
}

// HandleAction translates an indicator action into a coordinator command.
func (n *Coordinator) HandleAction(ctx context.Context, requestID string, action Action) error {
	logctx.LoggerFromContext(ctx).Info("notification action", "request_id", requestID, "action", action)

	switch action {
	case ActionPause:
		return n.commands.Pause(ctx, requestID)
	case ActionResume:
		return n.commands.Resume(ctx, requestID)
	case ActionRetry:
		return n.commands.Retry(ctx, requestID)
	case ActionCancel:
		return n.commands.Cancel(ctx, requestID)
	}

	return fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

func (n *Coordinator) indicatorFor(ev coordinator.TaskEvent) (Indicator, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ind := Indicator{
		Link:      ev.Link,
		RequestID: ev.RequestID,
		State:     ev.State,
		Progress:  ev.Progress,
		Title:     titleFor(ev),
		Text:      textFor(ev),
	}

	if ev.Removed {
		_, shown := n.fired[ev.Link]
		shown = shown || n.ongoing[ev.Link]

		delete(n.ongoing, ev.Link)
		delete(n.fired, ev.Link)

		ind.Kind = IndicatorDismissed

		return ind, shown
	}

	if !isTerminal(ev.State) {
		delete(n.fired, ev.Link)
		n.ongoing[ev.Link] = true

		ind.Kind = IndicatorOngoing
		ind.Actions = []Action{ActionPause, ActionCancel}

		return ind, true
	}

	if last, ok := n.fired[ev.Link]; ok && last == ev.State {
		return ind, false
	}

	delete(n.ongoing, ev.Link)
	n.fired[ev.Link] = ev.State

	ind.Kind = IndicatorTerminal
	ind.Actions = actionsFor(ev.State)

	return ind, true
}

func (n *Coordinator) render(ctx context.Context, ind Indicator) {
	logger := logctx.LoggerFromContext(ctx)

	for _, r := range n.renderers {
		status := "success"

		if err := r.Render(ctx, ind); err != nil {
			status = "error"

			logger.Error("failed to render notification", "renderer", r.Name(), "link", ind.Link, "err", err)
		}

		n.tel.RecordNotification(ctx, r.Name(), ind.Kind.String(), status)
	}
}

func isTerminal(s task.State) bool {
	return !s.IsRunning()
}

func actionsFor(s task.State) []Action {
	switch s {
	case task.StatePaused, task.StateSeedingPaused:
		return []Action{ActionResume, ActionCancel}
	case task.StateErrorPaused, task.StateStorageMovedFailed:
		return []Action{ActionRetry, ActionCancel}
	}

	return []Action{ActionCancel}
}

func displayName(ev coordinator.TaskEvent) string {
	if ev.Name != "" {
		return ev.Name
	}

	return ev.Link
}

func titleFor(ev coordinator.TaskEvent) string {
	name := displayName(ev)

	if ev.Removed {
		return "🗑️ Download removed: " + name
	}

	switch ev.State {
	case task.StateCompleted:
		return "✅ Download finished: " + name
	case task.StatePaused:
		return "⏸️ Download paused: " + name
	case task.StateSeeding:
		return "🌱 Seeding: " + name
	case task.StateSeedingPaused:
		return "⏸️ Seeding paused: " + name
	case task.StateErrorPaused:
		return "❌ Download failed: " + name
	case task.StateStorageMovedFailed:
		return "💾 Destination unavailable: " + name
	}

	return "⬇️ Downloading: " + name
}

func textFor(ev coordinator.TaskEvent) string {
	switch {
	case ev.Error != "" && ev.State.IsFailed():
		return ev.Error
	case ev.State == task.StateCompleted && ev.TotalBytes >= 0:
		return humanize.Bytes(uint64(ev.TotalBytes))
	case ev.Description != "":
		return ev.Description
	}

	return fmt.Sprintf("%.1f%%", ev.Progress*100)
}
