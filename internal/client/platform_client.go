package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Platform posts bodies to one external social platform over its JSON
// HTTP API. One instance per platform, each with its own credentials.
type Platform struct {
	name   string
	url    string
	token  string
	client *http.Client
}

func NewPlatform(name, url, token string, timeout time.Duration) *Platform {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Platform{
		name:  name,
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type postRequest struct {
	Post string `json:"post"`
}

type postResponse struct {
	Message string `json:"message"`
	PostID  string `json:"postId"`
}

func (c *Platform) Send(ctx context.Context, body string) (string, error) {
	reqBody, err := json.Marshal(postRequest{Post: body})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: unexpected status code: %d body=%q", c.name, resp.StatusCode, string(respBody))
	}

	var pr postResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", fmt.Errorf("%s: failed to decode json: %w body=%q", c.name, err, string(respBody))
	}
	if pr.PostID == "" {
		return "", fmt.Errorf("%s: missing postId in response body=%q", c.name, string(respBody))
	}

	return pr.PostID, nil
}
