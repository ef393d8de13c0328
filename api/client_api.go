// Package api - API-Methoden des Clients.

package api

import (
	"context"
	"net/http"
)

// Caption generates one caption per image.
func (c *Client) Caption(ctx context.Context, req *CaptionRequest) (*CaptionResponse, error) {
	var resp CaptionResponse
	if err := c.do(ctx, http.MethodPost, "/api/caption", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Loss evaluates the captioning loss of image/caption pairs.
func (c *Client) Loss(ctx context.Context, req *LossRequest) (*LossResponse, error) {
	var resp LossResponse
	if err := c.do(ctx, http.MethodPost, "/api/loss", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Models lists the known model types and registered architectures.
func (c *Client) Models(ctx context.Context) (*ModelsResponse, error) {
	var resp ModelsResponse
	if err := c.do(ctx, http.MethodGet, "/api/models", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat checks if the server has started and is responsive; if yes, it
// returns nil, otherwise an error.
func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.do(ctx, http.MethodHead, "/", nil, nil); err != nil {
		return err
	}
	return nil
}

// Version returns the caption server version as a string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}
