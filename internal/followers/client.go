package followers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client calls the follower service. All calls carry a short deadline:
// follower data is advisory on the delivery path and must never stall it.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FollowerCount returns how many users follow userID.
func (c *Client) FollowerCount(ctx context.Context, userID string) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	path := "/internal/users/" + url.PathEscape(userID) + "/followers/count"
	if err := c.get(ctx, path, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// IsFollowing reports whether followerID follows followeeID. Used by the
// inbox read path to decide group-notification visibility.
func (c *Client) IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	var out struct {
		Following bool `json:"following"`
	}
	path := "/internal/follows?follower=" + url.QueryEscape(followerID) +
		"&followee=" + url.QueryEscape(followeeID)
	if err := c.get(ctx, path, &out); err != nil {
		return false, err
	}
	return out.Following, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create follower request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("follower request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected follower service status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode follower response: %w", err)
	}
	return nil
}
