package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"scriptsync/api/internal/apiclient"
)

// Client talks to the lock routes of the API server on behalf of the identity
// carried by its bearer token.
type Client struct {
	api *apiclient.Client
}

func NewClient(api *apiclient.Client) *Client {
	return &Client{api: api}
}

type resourceRequest struct {
	ResourceID string `json:"resourceId"`
}

type conflictDetails struct {
	ResourceID string    `json:"resourceId"`
	OwnerID    string    `json:"ownerId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (c *Client) Acquire(ctx context.Context, resourceID string) (Grant, error) {
	resp, err := c.api.Do(ctx, http.MethodPost, "/api/locks", resourceRequest{ResourceID: resourceID})
	if err != nil {
		return Grant{}, fmt.Errorf("%w: acquire %s: %w", ErrTransientStore, resourceID, err)
	}

	switch {
	case resp.OK():
		var grant Grant
		if err := resp.Decode(&grant); err != nil {
			return Grant{}, err
		}
		return grant, nil
	case resp.Status == http.StatusConflict:
		body := resp.Err()
		conflict := &ConflictError{ResourceID: resourceID, OwnerLabel: body.LockedBy}
		var details conflictDetails
		if len(body.Details) > 0 && json.Unmarshal(body.Details, &details) == nil {
			conflict.OwnerID = details.OwnerID
			conflict.ExpiresAt = details.ExpiresAt
		}
		return Grant{}, conflict
	case resp.Status >= http.StatusInternalServerError:
		return Grant{}, fmt.Errorf("%w: acquire %s: status %d", ErrTransientStore, resourceID, resp.Status)
	default:
		return Grant{}, fmt.Errorf("acquire %s: status %d: %s", resourceID, resp.Status, resp.Err().Error)
	}
}

func (c *Client) Release(ctx context.Context, resourceID string) error {
	path := "/api/locks?resourceId=" + url.QueryEscape(resourceID)
	resp, err := c.api.Do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("%w: release %s: %w", ErrTransientStore, resourceID, err)
	}
	if !resp.OK() {
		return fmt.Errorf("release %s: status %d: %s", resourceID, resp.Status, resp.Err().Error)
	}
	return nil
}

func (c *Client) List(ctx context.Context) ([]Lock, error) {
	resp, err := c.api.Do(ctx, http.MethodGet, "/api/locks", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list locks: %w", ErrTransientStore, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("list locks: status %d: %s", resp.Status, resp.Err().Error)
	}
	var body struct {
		Locks []Lock `json:"locks"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return body.Locks, nil
}
