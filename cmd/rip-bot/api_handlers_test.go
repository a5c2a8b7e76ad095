package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleDeaths(t *testing.T) {
	st, fake := newTestState(t)

	rec := postJSON(t, st.handleDeaths, "/api/deaths", deathReportRequest{
		Server:           "111",
		ChannelID:        "222",
		DeadPerson:       "333",
		Caption:          "oops",
		ImageURL:         "https://cdn.example.net/cat.png",
		Reporter:         "444",
		InteractionToken: "tok",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, true, resp["queued"])
	assert.NotEmpty(t, resp["pipeline_id"])

	assert.Equal(t, 1, fake.countType(taskTypePersistRecord))
	assert.Equal(t, 1, fake.countType(taskTypeRelocateImage))
	assert.Equal(t, 1, fake.countType(taskTypeBackfillMessageID))
	assert.True(t, hasOptionType(fake.optsForType(taskTypeBackfillMessageID), asynq.ProcessInOpt))
}

func TestHandleDeathsMissingFields(t *testing.T) {
	st, fake := newTestState(t)

	rec := postJSON(t, st.handleDeaths, "/api/deaths", deathReportRequest{
		Server: "111", ChannelID: "222", DeadPerson: "333",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fake.tasks)
}

func TestHandleDeathsBadBody(t *testing.T) {
	st, fake := newTestState(t)

	req := httptest.NewRequest(http.MethodPost, "/api/deaths", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	st.handleDeaths(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fake.tasks)
}

func TestHandleDeathsMethodNotAllowed(t *testing.T) {
	st, _ := newTestState(t)

	req := httptest.NewRequest(http.MethodGet, "/api/deaths", nil)
	rec := httptest.NewRecorder()
	st.handleDeaths(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleDeathRemoveInvalidLink(t *testing.T) {
	st, fake := newTestState(t)

	for _, link := range []string{
		"not a link",
		"http://discord.com/channels/1/2/3",
		"https://evil.example.net/channels/1/2/3",
		"https://discord.com/channels/1/2",
		"https://discord.com/channels/a/b/c",
	} {
		rec := postJSON(t, st.handleDeathRemove, "/api/deaths/remove", deathRemoveRequest{
			Server: "111", MessageLink: link, Remover: "666",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code, "link %q", link)
		resp := decodeResponse(t, rec)
		assert.Equal(t, "Invalid Discord message link.", resp["message"])
	}
	// Nothing was enqueued for any rejected link.
	assert.Empty(t, fake.tasks)
}

func TestHandleDeathRemoveCrossServer(t *testing.T) {
	st, fake := newTestState(t)

	rec := postJSON(t, st.handleDeathRemove, "/api/deaths/remove", deathRemoveRequest{
		Server:      "111",
		MessageLink: "https://discord.com/channels/999/222/555",
		Remover:     "666",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "That message link points to a different server.", resp["message"])
	assert.Empty(t, fake.tasks)
}

func TestHandleDeathRemoveNotFound(t *testing.T) {
	st, fake := newTestState(t)

	rec := postJSON(t, st.handleDeathRemove, "/api/deaths/remove", deathRemoveRequest{
		Server:      "111",
		MessageLink: "https://discord.com/channels/111/222/555",
		Remover:     "666",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "No death record found for that message link.", resp["message"])
	assert.Empty(t, fake.tasks)
}

func TestHandleDeathRemove(t *testing.T) {
	st, fake := newTestState(t)

	rowID, err := st.store.AddDeath(deathRecord{
		Server: "111", ChannelID: "222", DeadPerson: "333",
		Timestamp: 1700000000, Reporter: "444",
	})
	require.NoError(t, err)
	require.NoError(t, st.store.UpdateMessageID(rowID, "555"))

	rec := postJSON(t, st.handleDeathRemove, "/api/deaths/remove", deathRemoveRequest{
		Server:      "111",
		MessageLink: "https://discord.com/channels/111/222/555",
		Remover:     "666",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, true, resp["queued"])

	// Only the delete root is dispatched; the redact waits on it.
	assert.Equal(t, 1, fake.countType(taskTypeDeleteRecord))
	assert.Equal(t, 0, fake.countType(taskTypeRedactMessage))

	pipelineID, _ := resp["pipeline_id"].(string)
	require.NotEmpty(t, pipelineID)
	inputs, err := st.loadRemovalInputs(context.Background(), pipelineID)
	require.NoError(t, err)
	assert.Equal(t, rowID, inputs.RowID)
	assert.Equal(t, "222", inputs.ChannelID)
	assert.Equal(t, "555", inputs.MessageID)
	assert.Equal(t, "666", inputs.Remover)
}

func TestHandleTally(t *testing.T) {
	st, _ := newTestState(t)

	for _, ts := range []int64{100, 200} {
		_, err := st.store.AddDeath(deathRecord{
			Server: "111", ChannelID: "222", DeadPerson: "333",
			Timestamp: ts, Reporter: "444",
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tally?server=111", nil)
	rec := httptest.NewRecorder()
	st.handleTally(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, float64(1), resp["total_items"])

	req = httptest.NewRequest(http.MethodGet, "/api/tally?server=111&start=150&end=250", nil)
	rec = httptest.NewRecorder()
	st.handleTally(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tally", nil)
	rec = httptest.NewRecorder()
	st.handleTally(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tally?server=111&start=abc&end=250", nil)
	rec = httptest.NewRecorder()
	st.handleTally(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDeathLookup(t *testing.T) {
	st, _ := newTestState(t)

	req := httptest.NewRequest(http.MethodGet, "/api/deaths/lookup?server=111&dead_person=333", nil)
	rec := httptest.NewRecorder()
	st.handleDeathLookup(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := st.store.AddDeath(deathRecord{
		Server: "111", ChannelID: "222", DeadPerson: "333",
		Caption: "oops", Timestamp: 1700000000, Reporter: "444",
	})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	st.handleDeathLookup(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "oops", resp["caption"])

	req = httptest.NewRequest(http.MethodGet, "/api/deaths/lookup?server=111", nil)
	rec = httptest.NewRecorder()
	st.handleDeathLookup(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQueueStatus(t *testing.T) {
	st, _ := newTestState(t)
	st.inspector = &fakeInspector{info: &asynq.QueueInfo{Pending: 2, Active: 1, Scheduled: 1, Retry: 3}}

	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	rec := httptest.NewRecorder()
	st.handleQueueStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, true, resp["available"])
	assert.Equal(t, float64(7), resp["depth"])
}

func TestHandleQueueStatusInspectorDown(t *testing.T) {
	st, _ := newTestState(t)
	st.inspector = &fakeInspector{err: errors.New("redis down")}

	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	rec := httptest.NewRecorder()
	st.handleQueueStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	// Degraded, not a fabricated empty queue.
	assert.Equal(t, false, resp["available"])
	_, hasDepth := resp["depth"]
	assert.False(t, hasDepth)
}

func TestHandleTaskStatus(t *testing.T) {
	st, _ := newTestState(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/status?id=p1:persist_record", nil)
	rec := httptest.NewRecorder()
	st.handleTaskStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "PENDING", resp["state"])

	setTaskState(req.Context(), st.redis, "p1:persist_record", "SUCCESS", map[string]any{"message": "Record persisted"})
	rec = httptest.NewRecorder()
	st.handleTaskStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeResponse(t, rec)
	assert.Equal(t, "SUCCESS", resp["state"])
	assert.Equal(t, "Record persisted", resp["message"])

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/status", nil)
	rec = httptest.NewRecorder()
	st.handleTaskStatus(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
