package presence

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"scriptsync/api/internal/apiclient"
)

// Beacon is what a Heartbeater drives.
type Beacon interface {
	Heartbeat(ctx context.Context) error
	Offline(ctx context.Context) error
}

// Client calls the presence routes for the identity in its bearer token.
type Client struct {
	api    *apiclient.Client
	userID string
}

func NewClient(api *apiclient.Client, userID string) *Client {
	return &Client{api: api, userID: userID}
}

func (c *Client) Heartbeat(ctx context.Context) error {
	resp, err := c.api.Do(ctx, http.MethodPost, "/api/presence/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("%w: heartbeat: %w", ErrTransientStore, err)
	}
	if !resp.OK() {
		return fmt.Errorf("heartbeat: status %d: %s", resp.Status, resp.Err().Error)
	}
	return nil
}

// OfflineBeacon is the body of the offline route. Token is accepted in the
// body for callers that cannot set headers.
type OfflineBeacon struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	Token    string `json:"token,omitempty"`
}

// Offline sends the offline beacon once. The server answers 204 whatever
// happened, so only transport failures are reported.
func (c *Client) Offline(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.api.Do(ctx, http.MethodPost, "/api/presence/offline", OfflineBeacon{UserID: c.userID, IsOnline: false})
	if err != nil {
		return fmt.Errorf("offline beacon: %w", err)
	}
	return nil
}

func (c *Client) List(ctx context.Context) ([]Record, error) {
	resp, err := c.api.Do(ctx, http.MethodGet, "/api/presence", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list presence: %w", ErrTransientStore, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("list presence: status %d: %s", resp.Status, resp.Err().Error)
	}
	var body struct {
		Users []Record `json:"users"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return body.Users, nil
}
