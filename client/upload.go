package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"

	"github.com/arkeep-io/comfyfleet/comfyerrors"
)

// UploadImage POSTs data to /upload/image, returning where the backend
// stored it. An empty filename gets a generated one (spec §4.2 "callers may
// upload anonymous buffers; the client mints a name for them").
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte, opts UploadOptions) (UploadResult, error) {
	return c.upload(ctx, "/upload/image", filename, data, opts, nil)
}

// UploadMask POSTs data to /upload/mask along with originalRef, the image
// this mask covers (spec §4.2 "uploadMask(bytes, originalRef)" — the backend
// associates the two so a downstream inpainting node can resolve the pair).
func (c *Client) UploadMask(ctx context.Context, filename string, data []byte, originalRef ImageRef, opts UploadOptions) (UploadResult, error) {
	ref, err := json.Marshal(map[string]string{
		"filename":  originalRef.Filename,
		"subfolder": originalRef.Subfolder,
		"type":      originalRef.Type,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("encode original_ref: %w", err)
	}
	return c.upload(ctx, "/upload/mask", filename, data, opts, map[string]string{"original_ref": string(ref)})
}

func (c *Client) upload(ctx context.Context, path, filename string, data []byte, opts UploadOptions, extraFields map[string]string) (UploadResult, error) {
	if c.isDestroyed() {
		return UploadResult{}, comfyerrors.ErrDestroyed
	}
	if filename == "" {
		filename = uuid.New().String() + ".png"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return UploadResult{}, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, fmt.Errorf("write multipart body: %w", err)
	}
	if opts.Subfolder != "" {
		_ = w.WriteField("subfolder", opts.Subfolder)
	}
	if opts.Overwrite {
		_ = w.WriteField("overwrite", "true")
	}
	for k, v := range extraFields {
		_ = w.WriteField(k, v)
	}
	if err := w.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host+path, &buf)
	if err != nil {
		return UploadResult{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.cfg.Credentials.apply(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload %s: %w: %w", path, comfyerrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return UploadResult{}, comfyerrors.NewHTTPError(resp.StatusCode, b)
	}
	c.touchActivity()

	var raw struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}

	info := ImageRef{Filename: raw.Name, Subfolder: raw.Subfolder, Type: raw.Type}
	return UploadResult{Info: info, ViewURL: c.GetPathImage(info)}, nil
}
