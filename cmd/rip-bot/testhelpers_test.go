package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements RedisClient over a plain map, enough for task-state
// records.
type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) Ping(_ context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case string:
		f.values[key] = v
	case []byte:
		f.values[key] = string(v)
	default:
		f.values[key] = fmt.Sprintf("%v", v)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error { return nil }

// fakeAsynqClient records every enqueued task together with its options.
type fakeAsynqClient struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	opts  [][]asynq.Option
}

func (f *fakeAsynqClient) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.tasks)), Type: task.Type()}, nil
}

func (f *fakeAsynqClient) Close() error { return nil }

func (f *fakeAsynqClient) countType(taskType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if t.Type() == taskType {
			n++
		}
	}
	return n
}

func (f *fakeAsynqClient) optsForType(taskType string) []asynq.Option {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tasks {
		if t.Type() == taskType {
			return f.opts[i]
		}
	}
	return nil
}

func hasOptionType(opts []asynq.Option, want asynq.OptionType) bool {
	for _, opt := range opts {
		if opt.Type() == want {
			return true
		}
	}
	return false
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f *fakeInspector) GetQueueInfo(_ string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func (f *fakeInspector) Close() error { return nil }

// memoryPipelineState is an in-process pipelineState with the same collision
// and dispatch-dedupe semantics as the redis implementation.
type memoryPipelineState struct {
	mu         sync.Mutex
	inputs     map[string][]byte
	bags       map[string]map[string]branchResult
	done       map[string]map[string]bool
	dispatched map[string]map[string]bool
}

func newMemoryPipelineState() *memoryPipelineState {
	return &memoryPipelineState{
		inputs:     make(map[string][]byte),
		bags:       make(map[string]map[string]branchResult),
		done:       make(map[string]map[string]bool),
		dispatched: make(map[string]map[string]bool),
	}
}

func (m *memoryPipelineState) SaveInputs(_ context.Context, pipelineID string, inputs []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[pipelineID] = inputs
	return nil
}

func (m *memoryPipelineState) LoadInputs(_ context.Context, pipelineID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.inputs[pipelineID]
	if !ok {
		return nil, fmt.Errorf("no inputs for pipeline %s", pipelineID)
	}
	return raw, nil
}

func (m *memoryPipelineState) RecordResult(_ context.Context, pipelineID, step, output string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bag, ok := m.bags[pipelineID]
	if !ok {
		bag = make(map[string]branchResult)
		m.bags[pipelineID] = bag
	}
	if existing, ok := bag[output]; ok && existing.Step != step {
		return fmt.Errorf("name %q claimed by steps %s and %s: %w", output, existing.Step, step, errBranchCollision)
	}
	bag[output] = branchResult{Step: step, Name: output, Data: json.RawMessage(data)}
	return nil
}

func (m *memoryPipelineState) LoadResults(_ context.Context, pipelineID string) ([]branchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]branchResult, 0, len(m.bags[pipelineID]))
	for _, res := range m.bags[pipelineID] {
		results = append(results, res)
	}
	return results, nil
}

func (m *memoryPipelineState) MarkCompleted(_ context.Context, pipelineID, step string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	done, ok := m.done[pipelineID]
	if !ok {
		done = make(map[string]bool)
		m.done[pipelineID] = done
	}
	done[step] = true
	out := make(map[string]bool, len(done))
	for k, v := range done {
		out[k] = v
	}
	return out, nil
}

func (m *memoryPipelineState) TryDispatch(_ context.Context, pipelineID, step string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dispatched, ok := m.dispatched[pipelineID]
	if !ok {
		dispatched = make(map[string]bool)
		m.dispatched[pipelineID] = dispatched
	}
	if dispatched[step] {
		return false, nil
	}
	dispatched[step] = true
	return true, nil
}

func (m *memoryPipelineState) ReleaseDispatch(_ context.Context, pipelineID, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dispatched, ok := m.dispatched[pipelineID]; ok {
		delete(dispatched, step)
	}
	return nil
}

// memBlobStore records puts and returns bucket-shaped public URLs.
type memBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memBlobStore) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return fmt.Sprintf("https://rip-bot-media.s3.ca-central-1.amazonaws.com/%s", key), nil
}

func (m *memBlobStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func newTestState(t *testing.T) (*appState, *fakeAsynqClient) {
	t.Helper()
	s, err := openStore(filepath.Join(t.TempDir(), "deaths.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fake := &fakeAsynqClient{}
	st := &appState{
		cfg: config{
			queueName:     "default",
			s3Bucket:      "rip-bot-media",
			s3Region:      "ca-central-1",
			backfillDelay: 30 * time.Second,
		},
		redis:      newFakeRedis(),
		asynqCli:   fake,
		inspector:  &fakeInspector{info: &asynq.QueueInfo{}},
		store:      s,
		blobs:      newMemBlobStore(),
		pstate:     newMemoryPipelineState(),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	return st, fake
}

func testDiscordClient(baseURL string) *discordClient {
	return &discordClient{
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		baseURL:       baseURL,
		applicationID: "app123",
		token:         "Bot test-token",
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func stepTask(t *testing.T, taskType, pipelineID, step string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(stepTaskPayload{PipelineID: pipelineID, Step: step})
	require.NoError(t, err)
	return asynq.NewTask(taskType, payload)
}

func backfillTask(t *testing.T, pipelineID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(backfillTaskPayload{PipelineID: pipelineID})
	require.NoError(t, err)
	return asynq.NewTask(taskTypeBackfillMessageID, payload)
}
