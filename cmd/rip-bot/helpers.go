package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

func setTaskState(ctx context.Context, rdb RedisClient, taskID, status string, result interface{}) {
	rec := queueTaskStatus{Status: status, Result: result, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
	b, _ := json.Marshal(rec)
	if err := rdb.Set(ctx, taskMetaPrefix+taskID, b, 7*24*time.Hour).Err(); err != nil {
		logger.Error("failed to persist task state", "task_id", taskID, "status", status, "error", err)
	}

	msg := ""
	if resultMap, ok := result.(map[string]any); ok {
		if s, ok := stringFromAny(resultMap["message"]); ok && s != "" {
			msg = s
		}
	}
	attrs := []any{"task_id", taskID, "status", status}
	if msg != "" {
		attrs = append(attrs, "message", msg)
	}
	switch status {
	case "FAILURE":
		logger.Error("task state updated", attrs...)
	case "PROGRESS":
		logger.Debug("task state updated", attrs...)
	default:
		logger.Info("task state updated", attrs...)
	}
}

func getTaskState(ctx context.Context, rdb RedisClient, taskID string) (queueTaskStatus, bool) {
	raw, err := rdb.Get(ctx, taskMetaPrefix+taskID).Result()
	if err != nil || raw == "" {
		return queueTaskStatus{}, false
	}
	var rec queueTaskStatus
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return queueTaskStatus{}, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func stringFromAny(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

type messageLink struct {
	GuildID   string
	ChannelID string
	MessageID string
}

var errInvalidMessageLink = errors.New("invalid message link")

// parseMessageLink parses a Discord message link of the form
// https://discord.com/channels/<guild>/<channel>/<message>.
func parseMessageLink(raw string) (messageLink, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return messageLink{}, errInvalidMessageLink
	}
	if u.Scheme != "https" {
		return messageLink{}, errInvalidMessageLink
	}
	host := strings.ToLower(u.Host)
	if host != "discord.com" && host != "discordapp.com" &&
		host != "ptb.discord.com" && host != "canary.discord.com" {
		return messageLink{}, errInvalidMessageLink
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "channels" {
		return messageLink{}, errInvalidMessageLink
	}
	link := messageLink{GuildID: parts[1], ChannelID: parts[2], MessageID: parts[3]}
	if !isSnowflake(link.GuildID) || !isSnowflake(link.ChannelID) || !isSnowflake(link.MessageID) {
		return messageLink{}, errInvalidMessageLink
	}
	return link, nil
}

func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// baseNameFromURL returns the last path element of a URL, stripped of any
// query string, for use in object keys and attachment filenames.
func baseNameFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Path == "" {
		return "image"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "image"
	}
	return name
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	var n int
	_, err := fmt.Sscanf(val, "%d", &n)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
