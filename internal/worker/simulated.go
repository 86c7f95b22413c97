package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"generation-orchestrator/internal/models"
)

// simulation is read from a plain job's payload, or from an order's request.
type simulation struct {
	ShouldFail      bool     `json:"should_fail"`
	FailPermanently bool     `json:"fail_permanently"`
	DurationMS      int      `json:"duration_ms"`
	Stages          []string `json:"stages"`
}

var defaultStages = map[string][]string{
	models.OrderKindFull:         {"spellcheck", "intents", "articles"},
	models.OrderKindIntentRegen:  {"intents"},
	models.OrderKindArticleRegen: {"articles"},
}

// SimulatedHandler stands in for the generation service. It walks through
// the order's stages, emitting order.progress for each, and honours the
// should_fail, fail_permanently and duration_ms knobs.
func SimulatedHandler(ctx context.Context, task Task) (json.RawMessage, error) {
	sim, err := decodeSimulation(task)
	if err != nil {
		return nil, err
	}
	if sim.FailPermanently {
		return nil, Permanent(errors.New("simulated permanent failure requested by payload.fail_permanently"))
	}
	if sim.ShouldFail {
		return nil, errors.New("simulated failure requested by payload.should_fail")
	}

	stages := sim.Stages
	if len(stages) == 0 && task.Order != nil {
		stages = defaultStages[task.Order.Kind]
	}
	var step time.Duration
	if sim.DurationMS > 0 {
		step = time.Duration(sim.DurationMS) * time.Millisecond
		if len(stages) > 0 {
			step /= time.Duration(len(stages))
		}
	}

	if len(stages) == 0 {
		if err := sleep(ctx, step); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"stages":0}`), nil
	}
	for i, stage := range stages {
		if err := sleep(ctx, step); err != nil {
			return nil, err
		}
		if err := task.Progress(ctx, models.EventOrderProgress, map[string]any{
			"stage": stage, "index": i + 1, "total": len(stages),
		}); err != nil {
			return nil, err
		}
	}
	return json.Marshal(map[string]any{"stages": len(stages)})
}

func decodeSimulation(task Task) (simulation, error) {
	var sim simulation
	raw := task.Job.Payload
	if task.Order != nil {
		var p models.OrderJobPayload
		if err := json.Unmarshal(task.Job.Payload, &p); err != nil {
			return sim, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = p.Request
	}
	if len(raw) == 0 {
		return sim, nil
	}
	if err := json.Unmarshal(raw, &sim); err != nil {
		return sim, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return sim, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
