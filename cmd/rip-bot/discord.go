package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

// errMessageNotReady reports that the followup message has not propagated on
// the platform side yet. Callers return it unwrapped so the queue retries.
var errMessageNotReady = errors.New("followup message not available yet")

type discordClient struct {
	httpClient    *http.Client
	baseURL       string
	applicationID string
	token         string
}

func newDiscordClient(cfg config) *discordClient {
	return &discordClient{
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		baseURL:       cfg.discordAPIBase,
		applicationID: cfg.discordAppID,
		token:         cfg.discordToken,
	}
}

func (c *discordClient) followupURL(interactionToken string) string {
	return fmt.Sprintf("%s/webhooks/%s/%s/messages/@original", c.baseURL, c.applicationID, interactionToken)
}

// AttachFollowupImage edits the bot's original interaction response, replacing
// its placeholder attachment slot with the relocated file.
func (c *discordClient) AttachFollowupImage(ctx context.Context, interactionToken string, img relocatedImage) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("payload_json", `{"attachments":[{"id":0}]}`); err != nil {
		return err
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[0]"; filename="%s"`, img.FileName))
	header.Set("Content-Type", img.ContentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := part.Write(img.Data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.followupURL(interactionToken), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("attach followup image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("attach followup image status=%d", resp.StatusCode)
	}
	return nil
}

// GetFollowupMessage fetches the platform-assigned ID of the original
// interaction response. A 404 means the message has not propagated yet and is
// reported as errMessageNotReady.
func (c *discordClient) GetFollowupMessage(ctx context.Context, interactionToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.followupURL(interactionToken), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get followup message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", errMessageNotReady
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("get followup message status=%d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var message struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &message); err != nil {
		return "", fmt.Errorf("decode followup message: %w", err)
	}
	if message.ID == "" {
		return "", errors.New("followup message has no id")
	}
	return message.ID, nil
}

// EditChannelMessage replaces the visible text of an existing channel message.
func (c *discordClient) EditChannelMessage(ctx context.Context, channelID, messageID, content string) error {
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/channels/%s/messages/%s", c.baseURL, channelID, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("edit channel message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("edit channel message status=%d", resp.StatusCode)
	}
	return nil
}

func redactedMessageText(remover string) string {
	return fmt.Sprintf("*This death record was removed by <@%s>.*", remover)
}
