package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

func (st *appState) loadCreationInputs(ctx context.Context, pipelineID string) (creationInputs, error) {
	raw, err := st.pstate.LoadInputs(ctx, pipelineID)
	if err != nil {
		return creationInputs{}, err
	}
	var inputs creationInputs
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return creationInputs{}, fmt.Errorf("decode creation inputs: %w", err)
	}
	return inputs, nil
}

func (st *appState) loadRemovalInputs(ctx context.Context, pipelineID string) (removalInputs, error) {
	raw, err := st.pstate.LoadInputs(ctx, pipelineID)
	if err != nil {
		return removalInputs{}, err
	}
	var inputs removalInputs
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return removalInputs{}, fmt.Errorf("decode removal inputs: %w", err)
	}
	return inputs, nil
}

func (st *appState) processPersistRecord(ctx context.Context, t *asynq.Task) error {
	var payload stepTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	stateID := payload.PipelineID + ":" + payload.Step

	inputs, err := st.loadCreationInputs(ctx, payload.PipelineID)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	rowID, err := st.store.AddDeath(deathRecord{
		Server:     inputs.Server,
		ChannelID:  inputs.ChannelID,
		DeadPerson: inputs.DeadPerson,
		Caption:    inputs.Caption,
		Attachment: inputs.Attachment,
		Timestamp:  inputs.Timestamp,
		Reporter:   inputs.Reporter,
	})
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	if err := st.completeStep(ctx, creationPipeline, payload.PipelineID, payload.Step, persistResult{RowID: rowID}); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	setTaskState(ctx, st.redis, stateID, "SUCCESS", map[string]any{"message": "Record persisted", "rowid": rowID})
	return nil
}

func (st *appState) processRelocateImage(ctx context.Context, t *asynq.Task) error {
	var payload stepTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	stateID := payload.PipelineID + ":" + payload.Step

	inputs, err := st.loadCreationInputs(ctx, payload.PipelineID)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	setTaskState(ctx, st.redis, stateID, "PROGRESS", map[string]any{"message": "Relocating image..."})

	img, err := relocateImage(ctx, st.httpClient, st.blobs, inputs.SourceImageURL)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	if err := st.completeStep(ctx, creationPipeline, payload.PipelineID, payload.Step, img); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	setTaskState(ctx, st.redis, stateID, "SUCCESS", map[string]any{"message": "Image relocated", "url": img.URL})
	return nil
}

func (st *appState) processSetImageURL(ctx context.Context, t *asynq.Task) error {
	var payload stepTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	stateID := payload.PipelineID + ":" + payload.Step

	results, err := st.pstate.LoadResults(ctx, payload.PipelineID)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	join, err := gatherCreationJoin(results)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := st.store.UpdateImageURL(join.RowID, join.Image.URL); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		if errors.Is(err, errNoSuchRow) {
			logger.Error("image url update matched no row", "pipeline_id", payload.PipelineID, "rowid", join.RowID)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if err := st.completeStep(ctx, creationPipeline, payload.PipelineID, payload.Step, nil); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	setTaskState(ctx, st.redis, stateID, "SUCCESS", map[string]any{"message": "Image URL saved", "rowid": join.RowID})
	return nil
}

func (st *appState) processAttachImage(ctx context.Context, t *asynq.Task) error {
	var payload stepTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	stateID := payload.PipelineID + ":" + payload.Step

	inputs, err := st.loadCreationInputs(ctx, payload.PipelineID)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	results, err := st.pstate.LoadResults(ctx, payload.PipelineID)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	join, err := gatherCreationJoin(results)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := st.discord.AttachFollowupImage(ctx, inputs.InteractionToken, join.Image); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	if err := st.completeStep(ctx, creationPipeline, payload.PipelineID, payload.Step, nil); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	setTaskState(ctx, st.redis, stateID, "SUCCESS", map[string]any{"message": "Image attached"})
	return nil
}

// processBackfillMessageID fetches the platform-assigned ID of the original
// acknowledgment message and writes it back to the row. Both "message not
// propagated yet" and "row not persisted yet" are transient here and come
// back through the queue's retry backoff.
func (st *appState) processBackfillMessageID(ctx context.Context, t *asynq.Task) error {
	var payload backfillTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	stateID := payload.PipelineID + ":backfill_message_id"

	inputs, err := st.loadCreationInputs(ctx, payload.PipelineID)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	messageID, err := st.discord.GetFollowupMessage(ctx, inputs.InteractionToken)
	if err != nil {
		if errors.Is(err, errMessageNotReady) {
			logger.Info("followup message not ready, will retry", "pipeline_id", payload.PipelineID)
			setTaskState(ctx, st.redis, stateID, "PROGRESS", map[string]any{"message": "Waiting for message propagation"})
			return err
		}
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}

	results, err := st.pstate.LoadResults(ctx, payload.PipelineID)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	bag, err := mergeBranchResults(results)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	raw, ok := bag["rowid"]
	if !ok {
		setTaskState(ctx, st.redis, stateID, "PROGRESS", map[string]any{"message": "Waiting for record insert"})
		return errors.New("record not persisted yet")
	}
	var persisted persistResult
	if err := json.Unmarshal(raw, &persisted); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := st.store.UpdateMessageID(persisted.RowID, messageID); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		if errors.Is(err, errNoSuchRow) {
			logger.Error("message id update matched no row", "pipeline_id", payload.PipelineID, "rowid", persisted.RowID)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	setTaskState(ctx, st.redis, stateID, "SUCCESS", map[string]any{"message": "Message ID saved", "message_id": messageID})
	return nil
}

func (st *appState) processDeleteRecord(ctx context.Context, t *asynq.Task) error {
	var payload stepTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	stateID := payload.PipelineID + ":" + payload.Step

	inputs, err := st.loadRemovalInputs(ctx, payload.PipelineID)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	if err := st.store.DeleteDeath(inputs.RowID); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		if errors.Is(err, errNoSuchRow) {
			logger.Error("delete matched no row", "pipeline_id", payload.PipelineID, "rowid", inputs.RowID)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if err := st.completeStep(ctx, removalPipeline, payload.PipelineID, payload.Step, nil); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	setTaskState(ctx, st.redis, stateID, "SUCCESS", map[string]any{"message": "Record deleted", "rowid": inputs.RowID})
	return nil
}

func (st *appState) processRedactMessage(ctx context.Context, t *asynq.Task) error {
	var payload stepTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	stateID := payload.PipelineID + ":" + payload.Step

	inputs, err := st.loadRemovalInputs(ctx, payload.PipelineID)
	if err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	if err := st.discord.EditChannelMessage(ctx, inputs.ChannelID, inputs.MessageID, redactedMessageText(inputs.Remover)); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	if err := st.completeStep(ctx, removalPipeline, payload.PipelineID, payload.Step, nil); err != nil {
		setTaskState(ctx, st.redis, stateID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	setTaskState(ctx, st.redis, stateID, "SUCCESS", map[string]any{"message": "Message redacted"})
	return nil
}
