package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// errBranchCollision reports two different steps claiming the same logical
// output name. The merge fails rather than silently overwriting.
var errBranchCollision = errors.New("branch output name collision")

// stepSpec is one node of a pipeline graph. Output names the step's result in
// the join bag; WaitsOn lists the steps that must succeed first.
type stepSpec struct {
	Name     string
	TaskType string
	Output   string
	WaitsOn  []string
}

type pipelineSpec struct {
	Name  string
	Steps []stepSpec
}

// creationPipeline records a death: the insert and the image relocation run as
// independent branches, and both fan-out consumers wait on the join of the
// two. The message-ID backfill is deliberately not a node here; it is
// scheduled with a fixed delay at submit time because it waits on
// platform-side propagation, not on pipeline completion.
var creationPipeline = pipelineSpec{
	Name: "creation",
	Steps: []stepSpec{
		{Name: "persist_record", TaskType: taskTypePersistRecord, Output: "rowid"},
		{Name: "relocate_image", TaskType: taskTypeRelocateImage, Output: "image"},
		{Name: "set_image_url", TaskType: taskTypeSetImageURL, WaitsOn: []string{"persist_record", "relocate_image"}},
		{Name: "attach_image", TaskType: taskTypeAttachImage, WaitsOn: []string{"persist_record", "relocate_image"}},
	},
}

// removalPipeline deletes a record and then redacts the original message. The
// edit is chained strictly after the delete so it never runs on a row that is
// still present.
var removalPipeline = pipelineSpec{
	Name: "removal",
	Steps: []stepSpec{
		{Name: "delete_record", TaskType: taskTypeDeleteRecord},
		{Name: "redact_message", TaskType: taskTypeRedactMessage, WaitsOn: []string{"delete_record"}},
	},
}

func (p pipelineSpec) step(name string) (stepSpec, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return stepSpec{}, false
}

func (p pipelineSpec) validate() error {
	names := make(map[string]bool, len(p.Steps))
	outputs := make(map[string]string)
	for _, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("pipeline %s: step with empty name", p.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("pipeline %s: duplicate step %s", p.Name, s.Name)
		}
		names[s.Name] = true
		if s.Output != "" {
			if prev, ok := outputs[s.Output]; ok {
				return fmt.Errorf("pipeline %s: steps %s and %s: %w", p.Name, prev, s.Name, errBranchCollision)
			}
			outputs[s.Output] = s.Name
		}
	}
	for _, s := range p.Steps {
		for _, dep := range s.WaitsOn {
			if !names[dep] {
				return fmt.Errorf("pipeline %s: step %s waits on unknown step %s", p.Name, s.Name, dep)
			}
		}
	}
	// Cycle check: repeatedly peel off steps whose deps are all peeled.
	peeled := make(map[string]bool, len(p.Steps))
	for len(peeled) < len(p.Steps) {
		progressed := false
		for _, s := range p.Steps {
			if peeled[s.Name] {
				continue
			}
			ready := true
			for _, dep := range s.WaitsOn {
				if !peeled[dep] {
					ready = false
					break
				}
			}
			if ready {
				peeled[s.Name] = true
				progressed = true
			}
		}
		if !progressed {
			return fmt.Errorf("pipeline %s: dependency cycle", p.Name)
		}
	}
	return nil
}

// roots returns the steps with no predecessors.
func (p pipelineSpec) roots() []stepSpec {
	out := make([]stepSpec, 0, len(p.Steps))
	for _, s := range p.Steps {
		if len(s.WaitsOn) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// readySuccessors returns the dependent steps whose predecessors are all in
// completed.
func (p pipelineSpec) readySuccessors(completed map[string]bool) []stepSpec {
	out := make([]stepSpec, 0)
	for _, s := range p.Steps {
		if len(s.WaitsOn) == 0 {
			continue
		}
		ready := true
		for _, dep := range s.WaitsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// branchResult is one entry of the join bag: a logical name, the step that
// produced it, and the step's serialized output.
type branchResult struct {
	Step string          `json:"step"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// mergeBranchResults turns a set of branch results into a single keyed bag.
// Two branches reusing one logical name fail the whole merge; no partial bag
// is returned.
func mergeBranchResults(results []branchResult) (map[string]json.RawMessage, error) {
	bag := make(map[string]json.RawMessage, len(results))
	for _, res := range results {
		if res.Name == "" {
			return nil, errors.New("branch result with empty name")
		}
		if _, ok := bag[res.Name]; ok {
			return nil, fmt.Errorf("name %q: %w", res.Name, errBranchCollision)
		}
		bag[res.Name] = res.Data
	}
	return bag, nil
}

// gatherCreationJoin decodes the creation pipeline's join bag into its closed
// schema. A missing field means a predecessor's result did not land, which is
// a wiring defect, not a transient condition.
func gatherCreationJoin(results []branchResult) (creationJoin, error) {
	bag, err := mergeBranchResults(results)
	if err != nil {
		return creationJoin{}, err
	}
	raw, ok := bag["rowid"]
	if !ok {
		return creationJoin{}, errors.New("join bag is missing rowid")
	}
	var persisted persistResult
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return creationJoin{}, fmt.Errorf("decode rowid result: %w", err)
	}
	raw, ok = bag["image"]
	if !ok {
		return creationJoin{}, errors.New("join bag is missing image")
	}
	var img relocatedImage
	if err := json.Unmarshal(raw, &img); err != nil {
		return creationJoin{}, fmt.Errorf("decode image result: %w", err)
	}
	return creationJoin{RowID: persisted.RowID, Image: img}, nil
}

// redisPipelineState keeps pipeline coordination state in redis so that any
// worker can complete any step. Nothing is shared in process memory.
type redisPipelineState struct {
	rdb *redis.Client
}

func (ps *redisPipelineState) SaveInputs(ctx context.Context, pipelineID string, inputs []byte) error {
	return ps.rdb.Set(ctx, pipelineInputsPrefix+pipelineID, inputs, pipelineStateTTL).Err()
}

func (ps *redisPipelineState) LoadInputs(ctx context.Context, pipelineID string) ([]byte, error) {
	raw, err := ps.rdb.Get(ctx, pipelineInputsPrefix+pipelineID).Result()
	if err != nil {
		return nil, fmt.Errorf("load inputs for pipeline %s: %w", pipelineID, err)
	}
	return []byte(raw), nil
}

func (ps *redisPipelineState) RecordResult(ctx context.Context, pipelineID, step, output string, data []byte) error {
	key := pipelineBagPrefix + pipelineID
	entry, err := json.Marshal(branchResult{Step: step, Name: output, Data: data})
	if err != nil {
		return err
	}
	set, err := ps.rdb.HSetNX(ctx, key, output, entry).Result()
	if err != nil {
		return err
	}
	if !set {
		raw, err := ps.rdb.HGet(ctx, key, output).Result()
		if err != nil {
			return err
		}
		var existing branchResult
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return err
		}
		if existing.Step != step {
			return fmt.Errorf("name %q claimed by steps %s and %s: %w", output, existing.Step, step, errBranchCollision)
		}
		// Same step delivered again: last write wins.
		if err := ps.rdb.HSet(ctx, key, output, entry).Err(); err != nil {
			return err
		}
	}
	return ps.rdb.Expire(ctx, key, pipelineStateTTL).Err()
}

func (ps *redisPipelineState) LoadResults(ctx context.Context, pipelineID string) ([]branchResult, error) {
	raw, err := ps.rdb.HGetAll(ctx, pipelineBagPrefix+pipelineID).Result()
	if err != nil {
		return nil, err
	}
	results := make([]branchResult, 0, len(raw))
	for name, entry := range raw {
		var res branchResult
		if err := json.Unmarshal([]byte(entry), &res); err != nil {
			return nil, fmt.Errorf("decode bag entry %s: %w", name, err)
		}
		res.Name = name
		results = append(results, res)
	}
	return results, nil
}

func (ps *redisPipelineState) MarkCompleted(ctx context.Context, pipelineID, step string) (map[string]bool, error) {
	key := pipelineDonePrefix + pipelineID
	if err := ps.rdb.SAdd(ctx, key, step).Err(); err != nil {
		return nil, err
	}
	if err := ps.rdb.Expire(ctx, key, pipelineStateTTL).Err(); err != nil {
		return nil, err
	}
	members, err := ps.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	completed := make(map[string]bool, len(members))
	for _, m := range members {
		completed[m] = true
	}
	return completed, nil
}

func (ps *redisPipelineState) TryDispatch(ctx context.Context, pipelineID, step string) (bool, error) {
	key := pipelineDispatchedPrefix + pipelineID
	added, err := ps.rdb.SAdd(ctx, key, step).Result()
	if err != nil {
		return false, err
	}
	if err := ps.rdb.Expire(ctx, key, pipelineStateTTL).Err(); err != nil {
		return false, err
	}
	return added == 1, nil
}

func (ps *redisPipelineState) ReleaseDispatch(ctx context.Context, pipelineID, step string) error {
	return ps.rdb.SRem(ctx, pipelineDispatchedPrefix+pipelineID, step).Err()
}

// submitPipeline persists the pipeline's fixed inputs and dispatches every
// root step. Dependent steps are dispatched later, as their predecessors
// complete.
func (st *appState) submitPipeline(ctx context.Context, spec pipelineSpec, pipelineID string, inputs any) error {
	if err := spec.validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	if err := st.pstate.SaveInputs(ctx, pipelineID, raw); err != nil {
		return fmt.Errorf("save pipeline inputs: %w", err)
	}
	for _, root := range spec.roots() {
		if err := st.dispatchStep(ctx, pipelineID, root); err != nil {
			return err
		}
	}
	logger.Info("pipeline submitted", "pipeline", spec.Name, "pipeline_id", pipelineID)
	return nil
}

func (st *appState) dispatchStep(ctx context.Context, pipelineID string, s stepSpec) error {
	ok, err := st.pstate.TryDispatch(ctx, pipelineID, s.Name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	payload, _ := json.Marshal(stepTaskPayload{PipelineID: pipelineID, Step: s.Name})
	task := asynq.NewTask(s.TaskType, payload)
	_, err = st.asynqCli.Enqueue(task,
		asynq.Queue(st.cfg.queueName),
		asynq.TaskID(pipelineID+":"+s.Name),
		asynq.MaxRetry(stepMaxRetry),
		asynq.Timeout(stepTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		// Undo the reservation so a redelivered completion can try again.
		// Cross-worker duplicates are absorbed by the task ID instead.
		if relErr := st.pstate.ReleaseDispatch(ctx, pipelineID, s.Name); relErr != nil {
			logger.Error("failed to release dispatch reservation",
				"pipeline_id", pipelineID, "step", s.Name, "error", relErr)
		}
		return fmt.Errorf("enqueue step %s: %w", s.Name, err)
	}
	setTaskState(ctx, st.redis, pipelineID+":"+s.Name, "PENDING", map[string]any{"message": "Queued"})
	return nil
}

// completeStep records a finished step's result, marks it complete, and
// dispatches every successor whose predecessors have all succeeded. Under
// at-least-once delivery a step may complete twice; recording is idempotent
// and the dispatched set keeps successors from being enqueued twice.
func (st *appState) completeStep(ctx context.Context, spec pipelineSpec, pipelineID, stepName string, result any) error {
	s, ok := spec.step(stepName)
	if !ok {
		return fmt.Errorf("pipeline %s has no step %s", spec.Name, stepName)
	}
	if s.Output != "" {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		if err := st.pstate.RecordResult(ctx, pipelineID, s.Name, s.Output, data); err != nil {
			if errors.Is(err, errBranchCollision) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
	}
	completed, err := st.pstate.MarkCompleted(ctx, pipelineID, stepName)
	if err != nil {
		return err
	}
	for _, next := range spec.readySuccessors(completed) {
		if err := st.dispatchStep(ctx, pipelineID, next); err != nil {
			return err
		}
	}
	return nil
}

// submitCreation enqueues the creation task graph plus the delayed message-ID
// backfill. The delay is a propagation heuristic; the backfill itself retries
// on not-found, so the delay only reduces wasted attempts.
func (st *appState) submitCreation(ctx context.Context, pipelineID string, inputs creationInputs) error {
	if err := st.submitPipeline(ctx, creationPipeline, pipelineID, inputs); err != nil {
		return err
	}
	payload, _ := json.Marshal(backfillTaskPayload{PipelineID: pipelineID})
	task := asynq.NewTask(taskTypeBackfillMessageID, payload)
	_, err := st.asynqCli.Enqueue(task,
		asynq.Queue(st.cfg.queueName),
		asynq.TaskID(pipelineID+":backfill_message_id"),
		asynq.MaxRetry(backfillMaxRetry),
		asynq.Timeout(stepTimeout),
		asynq.ProcessIn(st.cfg.backfillDelay),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue backfill: %w", err)
	}
	setTaskState(ctx, st.redis, pipelineID+":backfill_message_id", "PENDING", map[string]any{"message": "Scheduled"})
	return nil
}

func (st *appState) submitRemoval(ctx context.Context, pipelineID string, inputs removalInputs) error {
	return st.submitPipeline(ctx, removalPipeline, pipelineID, inputs)
}
