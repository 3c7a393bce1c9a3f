package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/arkeep-io/comfyfleet/comfyerrors"
)

// GetUsers returns the backend's configured multi-user registry (GET
// /users). Single-user backends return an empty map.
func (c *Client) GetUsers(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUserData fetches the raw bytes stored at a userdata-relative path (GET
// /userdata/{path}). Unlike the other passthroughs, the response body is
// opaque (it may be a stored workflow JSON file, an image, anything a user
// saved), so this bypasses doJSON's JSON decoding and returns the body as-is.
func (c *Client) GetUserData(ctx context.Context, path string) ([]byte, error) {
	if c.isDestroyed() {
		return nil, comfyerrors.ErrDestroyed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Host+"/userdata/"+url.PathEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build userdata request: %w", err)
	}
	c.cfg.Credentials.apply(req)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get userdata: %w: %w", comfyerrors.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, comfyerrors.NewHTTPError(resp.StatusCode, b)
	}
	c.touchActivity()
	return io.ReadAll(resp.Body)
}

// PutUserData writes data at a userdata-relative path (POST /userdata/{path}),
// again bypassing JSON encoding since data is an opaque byte payload.
func (c *Client) PutUserData(ctx context.Context, path string, data []byte) error {
	if c.isDestroyed() {
		return comfyerrors.ErrDestroyed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host+"/userdata/"+url.PathEscape(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build userdata request: %w", err)
	}
	c.cfg.Credentials.apply(req)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("put userdata: %w: %w", comfyerrors.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return comfyerrors.NewHTTPError(resp.StatusCode, b)
	}
	c.touchActivity()
	return nil
}

// DeleteUserData removes the file stored at a userdata-relative path
// (DELETE /userdata/{path}).
func (c *Client) DeleteUserData(ctx context.Context, path string) error {
	if c.isDestroyed() {
		return comfyerrors.ErrDestroyed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.Host+"/userdata/"+url.PathEscape(path), nil)
	if err != nil {
		return fmt.Errorf("build userdata request: %w", err)
	}
	c.cfg.Credentials.apply(req)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete userdata: %w: %w", comfyerrors.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return comfyerrors.NewHTTPError(resp.StatusCode, b)
	}
	c.touchActivity()
	return nil
}

// GetSettings returns the backend's stored settings object (GET /settings).
func (c *Client) GetSettings(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutSettings overwrites the backend's settings object (POST /settings).
func (c *Client) PutSettings(ctx context.Context, settings map[string]any) error {
	return c.doJSON(ctx, http.MethodPost, "/settings", settings, nil)
}

// GetExtensions lists the backend's installed frontend extension module
// paths (GET /extensions).
func (c *Client) GetExtensions(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.doJSON(ctx, http.MethodGet, "/extensions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetExperimentModels lists the backend's experimental model browser entries
// (GET /experiment/models).
func (c *Client) GetExperimentModels(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/experiment/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
