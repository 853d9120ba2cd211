package transfer

import (
	"context"

	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/telemetry"
)

// InstrumentedEngine wraps an Engine with telemetry.
type InstrumentedEngine struct {
	engine    Engine
	telemetry *telemetry.Telemetry
	kind      string
}

// InstrumentedSwarmEngine also instruments the swarm-only operations.
type InstrumentedSwarmEngine struct {
	*InstrumentedEngine
	swarm SwarmEngine
}

// Instrument wraps engine with telemetry, keeping the swarm capabilities
// visible when engine has them.
func Instrument(engine Engine, tel *telemetry.Telemetry) Engine {
	ie := &InstrumentedEngine{engine: engine, telemetry: tel, kind: string(engine.Kind())}

	if se, ok := engine.(SwarmEngine); ok {
		return &InstrumentedSwarmEngine{InstrumentedEngine: ie, swarm: se}
	}

	return ie
}

func (e *InstrumentedEngine) Kind() task.Kind { return e.engine.Kind() }

func (e *InstrumentedEngine) Validate(ctx context.Context, link string) error {
	return e.telemetry.InstrumentEngineOperation(ctx, e.kind, "validate", func(ctx context.Context) error {
		return e.engine.Validate(ctx, link)
	})
}

func (e *InstrumentedEngine) Start(ctx context.Context, spec Spec, events chan<- Event) (string, error) {
	var requestID string

	err := e.telemetry.InstrumentEngineOperation(ctx, e.kind, "start", func(ctx context.Context) error {
		var err error
		requestID, err = e.engine.Start(ctx, spec, events)

		return err
	})

	return requestID, err
}

func (e *InstrumentedEngine) Pause(ctx context.Context, requestID string) (Checkpoint, error) {
	var cp Checkpoint

	err := e.telemetry.InstrumentEngineOperation(ctx, e.kind, "pause", func(ctx context.Context) error {
		var err error
		cp, err = e.engine.Pause(ctx, requestID)

		return err
	})

	return cp, err
}

func (e *InstrumentedEngine) Cancel(ctx context.Context, requestID string) error {
	return e.telemetry.InstrumentEngineOperation(ctx, e.kind, "cancel", func(ctx context.Context) error {
		return e.engine.Cancel(ctx, requestID)
	})
}

func (e *InstrumentedEngine) Retry(ctx context.Context, requestID string, events chan<- Event) (string, error) {
	var newID string

	err := e.telemetry.InstrumentEngineOperation(ctx, e.kind, "retry", func(ctx context.Context) error {
		var err error
		newID, err = e.engine.Retry(ctx, requestID, events)

		return err
	})

	return newID, err
}

func (e *InstrumentedEngine) Paths(spec Spec) []string { return e.engine.Paths(spec) }

func (e *InstrumentedEngine) Close() error { return e.engine.Close() }

func (e *InstrumentedSwarmEngine) AddFromLink(ctx context.Context, spec Spec) (string, error) {
	var requestID string

	err := e.telemetry.InstrumentEngineOperation(ctx, e.kind, "add_from_link", func(ctx context.Context) error {
		var err error
		requestID, err = e.swarm.AddFromLink(ctx, spec)

		return err
	})

	return requestID, err
}

func (e *InstrumentedSwarmEngine) ReconcileFiles(ctx context.Context, link string, onDisk []File) error {
	return e.telemetry.InstrumentEngineOperation(ctx, e.kind, "reconcile_files", func(ctx context.Context) error {
		return e.swarm.ReconcileFiles(ctx, link, onDisk)
	})
}

func (e *InstrumentedSwarmEngine) PauseSeeding(ctx context.Context, requestID string) (Checkpoint, error) {
	var cp Checkpoint

	err := e.telemetry.InstrumentEngineOperation(ctx, e.kind, "pause_seeding", func(ctx context.Context) error {
		var err error
		cp, err = e.swarm.PauseSeeding(ctx, requestID)

		return err
	})

	return cp, err
}

func (e *InstrumentedSwarmEngine) ResumeSeeding(ctx context.Context, requestID string, events chan<- Event) (string, error) {
	var newID string

	err := e.telemetry.InstrumentEngineOperation(ctx, e.kind, "resume_seeding", func(ctx context.Context) error {
		var err error
		newID, err = e.swarm.ResumeSeeding(ctx, requestID, events)

		return err
	})

	return newID, err
}
