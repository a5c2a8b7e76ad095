package main

import (
	"database/sql"
	"net/http"
	"sync"
	"time"
)

type config struct {
	redisAddr      string
	redisPassword  string
	redisDB        int
	queueName      string
	dbPath         string
	s3Bucket       string
	s3Region       string
	discordAPIBase string
	discordAppID   string
	discordToken   string
	backfillDelay  time.Duration
	concurrency    int
	apiAddr        string
}

type appState struct {
	cfg        config
	redis      RedisClient
	asynqCli   AsynqClient
	inspector  QueueInspector
	store      DeathStore
	blobs      blobStore
	discord    *discordClient
	pstate     pipelineState
	httpClient *http.Client
}

type store struct {
	db *sql.DB
	mu sync.Mutex
}

type queueTaskStatus struct {
	Status    string      `json:"status"`
	Result    interface{} `json:"result,omitempty"`
	UpdatedAt string      `json:"updated_at"`
}

// stepTaskPayload is the payload of every pipeline step task. All real inputs
// live in the persisted pipeline inputs and join bag, keyed by PipelineID.
type stepTaskPayload struct {
	PipelineID string `json:"pipeline_id"`
	Step       string `json:"step"`
}

type backfillTaskPayload struct {
	PipelineID string `json:"pipeline_id"`
}

// creationInputs are the fixed inputs of one creation pipeline, captured at
// accept time.
type creationInputs struct {
	Server           string `json:"server"`
	ChannelID        string `json:"channel_id"`
	DeadPerson       string `json:"dead_person"`
	Caption          string `json:"caption"`
	Attachment       string `json:"attachment"`
	SourceImageURL   string `json:"source_image_url"`
	Timestamp        int64  `json:"timestamp"`
	Reporter         string `json:"reporter"`
	InteractionToken string `json:"interaction_token"`
}

// removalInputs are the fixed inputs of one removal pipeline. RowID is always
// the internal row identifier, never the platform message ID.
type removalInputs struct {
	RowID     int64  `json:"rowid"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Remover   string `json:"remover"`
}

// relocatedImage is the output of the relocate_image step. Data round-trips
// through JSON as base64.
type relocatedImage struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
	URL         string `json:"url"`
}

type persistResult struct {
	RowID int64 `json:"rowid"`
}

// creationJoin is the closed schema of the creation pipeline's join point.
// Both fan-out consumers decode exactly this.
type creationJoin struct {
	RowID int64
	Image relocatedImage
}

type deathRecord struct {
	RowID      int64  `json:"rowid"`
	Server     string `json:"server"`
	ChannelID  string `json:"channel_id"`
	MessageID  string `json:"message_id"`
	DeadPerson string `json:"dead_person"`
	Caption    string `json:"caption"`
	Attachment string `json:"attachment"`
	ImageURL   string `json:"image_url"`
	Timestamp  int64  `json:"timestamp"`
	Reporter   string `json:"reporter"`
}

type tallyEntry struct {
	DeadPerson string `json:"dead_person"`
	Count      int    `json:"count"`
}
