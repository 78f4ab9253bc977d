package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nasbot/nasbot/pkg/config"
	"github.com/nasbot/nasbot/pkg/logger"
)

// Messenger is the outbound surface the dispatcher needs. Both the HTTP
// Client and the reverse WebSocket transport satisfy it.
type Messenger interface {
	SendPrivateMsg(ctx context.Context, userID int64, message string) error
	SendGroupMsg(ctx context.Context, groupID int64, message string) error
}

// Client talks to the NapCat HTTP API. Send failures are returned, never
// retried; a lost reply must not stall the event pipeline.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(cfg config.NapCatConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL(),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	Status  string          `json:"status"`
	Retcode json.RawMessage `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
}

func (c *Client) call(ctx context.Context, action string, params interface{}, out interface{}) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: gateway returned HTTP %d", action, resp.StatusCode)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", action, err)
	}
	if apiResp.Status == "failed" {
		reason := apiResp.Wording
		if reason == "" {
			reason = apiResp.Message
		}
		return fmt.Errorf("%s failed: retcode=%s %s", action, string(apiResp.Retcode), reason)
	}

	if out != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", action, err)
		}
	}
	return nil
}

func (c *Client) SendPrivateMsg(ctx context.Context, userID int64, message string) error {
	return c.call(ctx, "send_private_msg", map[string]interface{}{
		"user_id": userID,
		"message": message,
	}, nil)
}

func (c *Client) SendGroupMsg(ctx context.Context, groupID int64, message string) error {
	return c.call(ctx, "send_group_msg", map[string]interface{}{
		"group_id": groupID,
		"message":  message,
	}, nil)
}

// GatewayStatus is the subset of get_status the status command reports.
type GatewayStatus struct {
	Online bool `json:"online"`
	Good   bool `json:"good"`
}

func (c *Client) GetStatus(ctx context.Context) (*GatewayStatus, error) {
	var status GatewayStatus
	if err := c.call(ctx, "get_status", map[string]interface{}{}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

func (c *Client) GetLoginInfo(ctx context.Context) (*LoginInfo, error) {
	var info LoginInfo
	if err := c.call(ctx, "get_login_info", map[string]interface{}{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Dispatch sends a reply back to where the triggering event came from:
// the group for group messages, the sender otherwise. A failed send is
// logged and reported, but never retried.
func Dispatch(ctx context.Context, m Messenger, evt *Event, reply string) error {
	if reply == "" {
		return nil
	}

	var err error
	if evt.IsGroup() {
		err = m.SendGroupMsg(ctx, evt.GroupID, reply)
	} else {
		err = m.SendPrivateMsg(ctx, evt.UserID, reply)
	}
	if err != nil {
		logger.ErrorCF("onebot", "Failed to deliver reply", map[string]interface{}{
			"user_id":  evt.UserID,
			"group_id": evt.GroupID,
			"error":    err.Error(),
		})
	}
	return err
}
