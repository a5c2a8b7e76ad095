package main

import "time"

const (
	taskTypePersistRecord     = "rip:persist_record"
	taskTypeRelocateImage     = "rip:relocate_image"
	taskTypeSetImageURL       = "rip:set_image_url"
	taskTypeAttachImage       = "rip:attach_image"
	taskTypeBackfillMessageID = "rip:backfill_message_id"
	taskTypeDeleteRecord      = "rip:delete_record"
	taskTypeRedactMessage     = "rip:redact_message"

	taskMetaPrefix           = "rip:task-meta-"
	pipelineInputsPrefix     = "rip:pipeline-inputs-"
	pipelineBagPrefix        = "rip:pipeline-bag-"
	pipelineDonePrefix       = "rip:pipeline-done-"
	pipelineDispatchedPrefix = "rip:pipeline-dispatched-"

	pipelineStateTTL = 7 * 24 * time.Hour

	stepMaxRetry     = 5
	backfillMaxRetry = 10
	stepTimeout      = 2 * time.Minute
)
