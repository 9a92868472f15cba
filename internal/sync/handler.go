package sync

import (
	"context"
	"fmt"

	"shipline/internal/events"
)

// Handler pushes workspace changes to the hub as lifecycle events fire. Which
// events trigger a push depends on the execution mode: local pushes nothing,
// cloud pushes on every event, hybrid only on terminal ones (promotion and
// evolution completion).
type Handler struct {
	Sync CloudSync
	Mode string
}

// Attach subscribes the handler to every lifecycle event on bus and returns a
// function that detaches it.
func (h Handler) Attach(bus *events.Dispatcher) func() {
	unsubs := []func(){
		bus.Subscribe(events.GenerationCreated, h.generationHandler("cloud")),
		bus.Subscribe(events.GenerationUpdated, h.generationHandler("cloud")),
		bus.Subscribe(events.GenerationPromoted, h.generationHandler("cloud", "hybrid")),
		bus.Subscribe(events.EvolutionCreated, h.evolutionHandler("cloud")),
		bus.Subscribe(events.EvolutionCompleted, h.evolutionHandler("cloud", "hybrid")),
		bus.Subscribe(events.EvolutionFailed, h.evolutionHandler("cloud", "hybrid")),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (h Handler) generationHandler(modes ...string) events.Handler {
	return func(ctx context.Context, evt events.Event) error {
		if !h.modeIn(modes) {
			return nil
		}
		version, _ := evt.Payload["version"].(string)
		if version == "" {
			return fmt.Errorf("event %s carries no version", evt.Type)
		}
		res, err := h.Sync.Push(ctx, version)
		if err != nil {
			return err
		}
		return firstPushError(res)
	}
}

func (h Handler) evolutionHandler(modes ...string) events.Handler {
	return func(ctx context.Context, evt events.Event) error {
		if !h.modeIn(modes) {
			return nil
		}
		genID, _ := evt.Payload["generation_id"].(string)
		if genID == "" {
			return fmt.Errorf("event %s carries no generation_id", evt.Type)
		}
		g, err := h.Sync.Repo.GetGeneration(ctx, genID)
		if err != nil {
			return err
		}
		res, err := h.Sync.PushEvolutions(ctx, g.Version)
		if err != nil {
			return err
		}
		return firstPushError(res)
	}
}

func (h Handler) modeIn(modes []string) bool {
	for _, m := range modes {
		if h.Mode == m {
			return true
		}
	}
	return false
}

func firstPushError(res PushResult) error {
	if len(res.Errors) == 0 {
		return nil
	}
	e := res.Errors[0]
	if e.Tag != "" {
		return fmt.Errorf("push %s: %s", e.Tag, e.Error)
	}
	return fmt.Errorf("push %s: %s", e.Version, e.Error)
}
