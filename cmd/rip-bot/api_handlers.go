package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	msgInvalidLink  = "Invalid Discord message link."
	msgCrossServer  = "That message link points to a different server."
	msgLinkNotFound = "No death record found for that message link."
)

type deathReportRequest struct {
	Server           string `json:"server"`
	ChannelID        string `json:"channel_id"`
	DeadPerson       string `json:"dead_person"`
	Caption          string `json:"caption"`
	Attachment       string `json:"attachment"`
	ImageURL         string `json:"image_url"`
	Timestamp        int64  `json:"timestamp"`
	Reporter         string `json:"reporter"`
	InteractionToken string `json:"interaction_token"`
}

type deathRemoveRequest struct {
	Server      string `json:"server"`
	MessageLink string `json:"message_link"`
	Remover     string `json:"remover"`
}

func (st *appState) handleDeaths(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body deathReportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid request body"})
		return
	}
	body.Server = strings.TrimSpace(body.Server)
	body.ChannelID = strings.TrimSpace(body.ChannelID)
	body.DeadPerson = strings.TrimSpace(body.DeadPerson)
	body.ImageURL = strings.TrimSpace(body.ImageURL)
	body.InteractionToken = strings.TrimSpace(body.InteractionToken)
	if body.Server == "" || body.ChannelID == "" || body.DeadPerson == "" || body.ImageURL == "" || body.InteractionToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "server, channel_id, dead_person, image_url and interaction_token are required",
		})
		return
	}
	if body.Timestamp == 0 {
		body.Timestamp = time.Now().Unix()
	}

	pipelineID := uuid.NewString()
	inputs := creationInputs{
		Server:           body.Server,
		ChannelID:        body.ChannelID,
		DeadPerson:       body.DeadPerson,
		Caption:          body.Caption,
		Attachment:       body.Attachment,
		SourceImageURL:   body.ImageURL,
		Timestamp:        body.Timestamp,
		Reporter:         body.Reporter,
		InteractionToken: body.InteractionToken,
	}
	if err := st.submitCreation(r.Context(), pipelineID, inputs); err != nil {
		logger.Error("failed to submit creation pipeline",
			"pipeline_id", pipelineID,
			"server", body.Server,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to queue death record"})
		return
	}
	logger.Info("creation pipeline queued", "pipeline_id", pipelineID, "server", body.Server, "dead_person", body.DeadPerson)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"queued":      true,
		"pipeline_id": pipelineID,
		"message":     "Death record queued",
	})
}

func (st *appState) handleDeathRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body deathRemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid request body"})
		return
	}

	link, err := parseMessageLink(body.MessageLink)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": msgInvalidLink})
		return
	}
	if link.GuildID != strings.TrimSpace(body.Server) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": msgCrossServer})
		return
	}
	rec, found, err := st.store.GetDeathByMessageID(link.MessageID)
	if err != nil {
		logger.Error("death lookup by message id failed", "message_id", link.MessageID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": msgLinkNotFound})
		return
	}

	pipelineID := uuid.NewString()
	inputs := removalInputs{
		RowID:     rec.RowID,
		ChannelID: rec.ChannelID,
		MessageID: link.MessageID,
		Remover:   strings.TrimSpace(body.Remover),
	}
	if err := st.submitRemoval(r.Context(), pipelineID, inputs); err != nil {
		logger.Error("failed to submit removal pipeline",
			"pipeline_id", pipelineID,
			"rowid", rec.RowID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to queue removal"})
		return
	}
	logger.Info("removal pipeline queued", "pipeline_id", pipelineID, "rowid", rec.RowID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"queued":      true,
		"pipeline_id": pipelineID,
		"message":     "Death record removal queued",
	})
}

func (st *appState) handleTally(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	server := strings.TrimSpace(r.URL.Query().Get("server"))
	if server == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "server is required"})
		return
	}
	startRaw := strings.TrimSpace(r.URL.Query().Get("start"))
	endRaw := strings.TrimSpace(r.URL.Query().Get("end"))

	var items []tallyEntry
	var err error
	if startRaw != "" || endRaw != "" {
		start, perr := strconv.ParseInt(startRaw, 10, 64)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "start must be a unix timestamp"})
			return
		}
		end, perr := strconv.ParseInt(endRaw, 10, 64)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "end must be a unix timestamp"})
			return
		}
		items, err = st.store.GetTallyBetween(server, start, end)
	} else {
		items, err = st.store.GetTally(server)
	}
	if err != nil {
		logger.Error("tally query failed", "server", server, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total_items": len(items)})
}

func (st *appState) handleDeathLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	server := strings.TrimSpace(r.URL.Query().Get("server"))
	deadPerson := strings.TrimSpace(r.URL.Query().Get("dead_person"))
	if server == "" || deadPerson == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "server and dead_person are required"})
		return
	}
	rec, found, err := st.store.GetRandomDeath(server, deadPerson)
	if err != nil {
		logger.Error("death lookup failed", "server", server, "dead_person", deadPerson, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no deaths recorded for that person"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (st *appState) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimSpace(r.URL.Query().Get("id"))
	if taskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return
	}
	rec, ok := getTaskState(r.Context(), st.redis, taskID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "state": "PENDING", "message": "Queued or running"})
		return
	}
	resultMap, _ := rec.Result.(map[string]any)
	message := "Running"
	if s, ok := stringFromAny(resultMap["message"]); ok && s != "" {
		message = s
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"state":   rec.Status,
		"message": message,
		"result":  resultMap,
	})
}

func (st *appState) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	info, err := st.inspector.GetQueueInfo(st.cfg.queueName)
	if err != nil {
		logger.Error("queue info lookup failed", "queue", st.cfg.queueName, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"queue": st.cfg.queueName, "available": false})
		return
	}
	depth := info.Pending + info.Active + info.Scheduled + info.Retry
	writeJSON(w, http.StatusOK, map[string]any{"queue": st.cfg.queueName, "available": true, "depth": depth})
}
