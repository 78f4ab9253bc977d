// Package ai is the chat fallback: when no command or keyword matched,
// the message goes to an OpenAI-compatible completion API. Failures mean
// no reply, the pipeline never waits on a retry.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nasbot/nasbot/pkg/config"
)

const defaultSystemPrompt = "你是一个友好的QQ机器人助手，用简短自然的中文回复。"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client keeps a bounded per-user conversation history in memory and
// proxies to the configured completion endpoint.
type Client struct {
	cfg  config.AIConfig
	http *http.Client

	mu      sync.Mutex
	history map[int64][]chatMessage
}

func NewClient(cfg config.AIConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		history: make(map[int64][]chatMessage),
	}
}

// Reply sends the user's message with its recent history and returns the
// model's answer. Any failure is returned to the caller, which drops the
// reply.
func (c *Client) Reply(ctx context.Context, userID int64, message string) (string, error) {
	prompt := strings.TrimSpace(c.cfg.SystemPrompt)
	if prompt == "" {
		prompt = defaultSystemPrompt
	}

	c.mu.Lock()
	history := c.history[userID]
	messages := make([]chatMessage, 0, len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: prompt})
	messages = append(messages, history...)
	messages = append(messages, chatMessage{Role: "user", Content: message})
	c.mu.Unlock()

	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimRight(c.cfg.APIBase, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat API returned HTTP %d", resp.StatusCode)
	}

	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if payload.Error != nil {
		return "", fmt.Errorf("chat API error: %s", payload.Error.Message)
	}
	if len(payload.Choices) == 0 {
		return "", fmt.Errorf("chat API returned no choices")
	}

	answer := strings.TrimSpace(payload.Choices[0].Message.Content)
	if answer == "" {
		return "", fmt.Errorf("chat API returned empty content")
	}

	c.remember(userID, message, answer)
	return answer, nil
}

// remember appends the exchange and trims history to the configured
// bound so long-running processes do not grow without limit.
func (c *Client) remember(userID int64, question, answer string) {
	maxHistory := c.cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 20
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	history := append(c.history[userID],
		chatMessage{Role: "user", Content: question},
		chatMessage{Role: "assistant", Content: answer},
	)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	c.history[userID] = history
}

// Reset clears one user's conversation history.
func (c *Client) Reset(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, userID)
}

// HistorySize reports how many users currently hold conversation history.
func (c *Client) HistorySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}
