package main

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// RedisClient abstracts the Redis operations used by task state tracking.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// AsynqClient abstracts task enqueue operations.
type AsynqClient interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// QueueInspector abstracts queue info inspection.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// DeathStore abstracts persistent death record storage.
type DeathStore interface {
	Close() error
	AddDeath(rec deathRecord) (int64, error)
	UpdateImageURL(rowID int64, imageURL string) error
	UpdateMessageID(rowID int64, messageID string) error
	DeleteDeath(rowID int64) error
	GetDeathByMessageID(messageID string) (deathRecord, bool, error)
	GetTally(server string) ([]tallyEntry, error)
	GetTallyBetween(server string, start, end int64) ([]tallyEntry, error)
	GetRandomDeath(server, deadPerson string) (deathRecord, bool, error)
}

// blobStore abstracts durable object storage. Put returns the publicly
// resolvable URL of the stored object.
type blobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// pipelineState persists per-pipeline coordination state: the fixed inputs,
// the join bag of branch results, the set of completed steps, and the set of
// already-dispatched steps. A TryDispatch reservation that could not be
// followed by a successful enqueue must be undone with ReleaseDispatch, or the
// step is lost to every later delivery.
type pipelineState interface {
	SaveInputs(ctx context.Context, pipelineID string, inputs []byte) error
	LoadInputs(ctx context.Context, pipelineID string) ([]byte, error)
	RecordResult(ctx context.Context, pipelineID, step, output string, data []byte) error
	LoadResults(ctx context.Context, pipelineID string) ([]branchResult, error)
	MarkCompleted(ctx context.Context, pipelineID, step string) (map[string]bool, error)
	TryDispatch(ctx context.Context, pipelineID, step string) (bool, error)
	ReleaseDispatch(ctx context.Context, pipelineID, step string) error
}

var _ RedisClient = (*redis.Client)(nil)
var _ AsynqClient = (*asynq.Client)(nil)
var _ QueueInspector = (*asynq.Inspector)(nil)
var _ DeathStore = (*store)(nil)
var _ blobStore = (*s3BlobStore)(nil)
var _ pipelineState = (*redisPipelineState)(nil)
