package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/arkeep-io/comfyfleet/comfyerrors"
	"github.com/arkeep-io/comfyfleet/workflow"
)

// asHTTPError unwraps err looking for a *comfyerrors.HTTPError.
func asHTTPError(err error, out **comfyerrors.HTTPError) bool {
	return errors.As(err, out)
}

// doJSON performs an HTTP request against the backend, applying credentials,
// decoding a non-2xx response into a *comfyerrors.HTTPError, and refreshing
// lastActivity on success (spec §3 "lastActivity ... successful HTTP
// response").
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if c.isDestroyed() {
		return comfyerrors.ErrDestroyed
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Host+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.cfg.Credentials.apply(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, comfyerrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return comfyerrors.NewHTTPError(resp.StatusCode, b)
	}

	c.touchActivity()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// GetQueue returns the backend's current queue snapshot (GET /queue), and
// doubles as the liveness probe Init uses; Init does not request GET /prompt.
func (c *Client) GetQueue(ctx context.Context) (QueueStatus, error) {
	var raw struct {
		QueueRunning [][]any `json:"queue_running"`
		QueuePending [][]any `json:"queue_pending"`
		ExecInfo     struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/queue", nil, &raw); err != nil {
		return QueueStatus{}, err
	}
	qs := QueueStatus{QueueRemaining: raw.ExecInfo.QueueRemaining}
	qs.Running = parseQueueEntries(raw.QueueRunning)
	qs.Pending = parseQueueEntries(raw.QueuePending)
	return qs, nil
}

func parseQueueEntries(raw [][]any) []QueueEntry {
	out := make([]QueueEntry, 0, len(raw))
	for _, item := range raw {
		var e QueueEntry
		if len(item) > 0 {
			if n, ok := item[0].(float64); ok {
				e.Number = int(n)
			}
		}
		if len(item) > 1 {
			if id, ok := item[1].(string); ok {
				e.PromptID = id
			}
		}
		out = append(out, e)
	}
	return out
}

// GetHistories returns up to maxItems history records.
func (c *Client) GetHistories(ctx context.Context, maxItems int) (map[string]HistoryEntry, error) {
	path := "/history"
	if maxItems > 0 {
		path += "?max_items=" + strconv.Itoa(maxItems)
	}
	var raw map[string]struct {
		Status struct {
			StatusStr string `json:"status_str"`
		} `json:"status"`
		Outputs map[string]any `json:"outputs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]HistoryEntry, len(raw))
	for id, v := range raw {
		out[id] = HistoryEntry{PromptID: id, Status: v.Status.StatusStr, Outputs: v.Outputs}
	}
	return out, nil
}

// GetHistory returns the history record for one prompt id. If the backend
// has no record for it, an empty HistoryEntry with Outputs == nil is
// returned and error is nil — callers (notably call.Lifecycle) distinguish
// "no history yet" from a transport failure.
func (c *Client) GetHistory(ctx context.Context, promptID string) (HistoryEntry, error) {
	var raw map[string]struct {
		Status struct {
			StatusStr string `json:"status_str"`
		} `json:"status"`
		Outputs map[string]any `json:"outputs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &raw); err != nil {
		return HistoryEntry{}, err
	}
	v, ok := raw[promptID]
	if !ok {
		return HistoryEntry{PromptID: promptID}, nil
	}
	return HistoryEntry{PromptID: promptID, Status: v.Status.StatusStr, Outputs: v.Outputs}, nil
}

// GetSystemStats returns GET /system_stats, used by Init to discover OSType.
func (c *Client) GetSystemStats(ctx context.Context) (SystemStats, error) {
	var raw struct {
		System struct {
			OS string `json:"os"`
		} `json:"system"`
		Devices []map[string]any `json:"devices"`
	}
	var generic map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/system_stats", nil, &generic); err != nil {
		return SystemStats{}, err
	}
	b, _ := json.Marshal(generic)
	_ = json.Unmarshal(b, &raw)
	return SystemStats{OS: raw.System.OS, Devices: raw.Devices, Raw: generic}, nil
}

// nodeDefEnum extracts input.required.{field}[0] from a node definitions
// response, returning an empty slice (never an error) if the node or field
// is absent, per spec §4.2 "GetCheckpoints/GetLoras ... returns an empty
// sequence, never fails".
func (c *Client) nodeDefEnum(ctx context.Context, nodeName, field string) ([]string, error) {
	defs, err := c.GetNodeDefs(ctx, nodeName)
	if err != nil {
		return nil, err
	}
	def, ok := defs[nodeName]
	if !ok {
		return nil, nil
	}
	required, _ := def.Inputs["required"].(map[string]any)
	if required == nil {
		return nil, nil
	}
	slot, ok := required[field].([]any)
	if !ok || len(slot) == 0 {
		return nil, nil
	}
	values, _ := slot[0].([]any)
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetCheckpoints returns the checkpoint enum from CheckpointLoaderSimple.
func (c *Client) GetCheckpoints(ctx context.Context) ([]string, error) {
	return c.nodeDefEnum(ctx, "CheckpointLoaderSimple", "ckpt_name")
}

// GetLoras returns the LoRA enum from LoraLoader.
func (c *Client) GetLoras(ctx context.Context) ([]string, error) {
	return c.nodeDefEnum(ctx, "LoraLoader", "lora_name")
}

// GetEmbeddings returns GET /embeddings.
func (c *Client) GetEmbeddings(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.doJSON(ctx, http.MethodGet, "/embeddings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSamplerInfo extracts the sampler/scheduler enums from KSampler's node
// definition.
func (c *Client) GetSamplerInfo(ctx context.Context) (SamplerInfo, error) {
	defs, err := c.GetNodeDefs(ctx, "KSampler")
	if err != nil {
		return SamplerInfo{}, err
	}
	def, ok := defs["KSampler"]
	if !ok {
		return SamplerInfo{}, nil
	}
	required, _ := def.Inputs["required"].(map[string]any)
	extract := func(field string) []string {
		slot, ok := required[field].([]any)
		if !ok || len(slot) == 0 {
			return nil
		}
		values, _ := slot[0].([]any)
		out := make([]string, 0, len(values))
		for _, v := range values {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return SamplerInfo{Samplers: extract("sampler_name"), Schedulers: extract("scheduler")}, nil
}

// GetNodeDefs returns GET /object_info, or GET /object_info/{nodeName} when
// nodeName is non-empty.
func (c *Client) GetNodeDefs(ctx context.Context, nodeName string) (map[string]NodeDef, error) {
	path := "/object_info"
	if nodeName != "" {
		path += "/" + url.PathEscape(nodeName)
	}
	var raw map[string]map[string]any
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]NodeDef, len(raw))
	for name, fields := range raw {
		input, _ := fields["input"].(map[string]any)
		out[name] = NodeDef{Name: name, Inputs: input}
	}
	return out, nil
}

// QueuePrompt submits workflow for execution. position == nil appends; -1
// means front of queue; any other value requests that numeric position
// (spec §4.2).
func (c *Client) QueuePrompt(ctx context.Context, position *int, wf workflow.Workflow) (QueuePromptResponse, error) {
	body := map[string]any{
		"client_id": c.ID(),
		"prompt":    wf,
	}
	if position != nil {
		if *position == -1 {
			body["front"] = true
		} else {
			body["number"] = *position
		}
	}

	var raw struct {
		PromptID   string         `json:"prompt_id"`
		Number     int            `json:"number"`
		NodeErrors map[string]any `json:"node_errors"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/prompt", body, &raw); err != nil {
		c.emit("queue_error", err)
		return QueuePromptResponse{}, err
	}
	return QueuePromptResponse{PromptID: raw.PromptID, Number: raw.Number, NodeErrors: raw.NodeErrors}, nil
}

// Interrupt best-effort cancels the currently executing prompt.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/interrupt", struct{}{}, nil)
}

// FreeMemory instructs the backend to release resources.
func (c *Client) FreeMemory(ctx context.Context, unloadModels, freeMemory bool) (bool, error) {
	body := map[string]any{"unload_models": unloadModels, "free_memory": freeMemory}
	if err := c.doJSON(ctx, http.MethodPost, "/free", body, nil); err != nil {
		return false, err
	}
	return true, nil
}

// GetPathImage builds the /view URL for a stored artifact. Pure string
// construction — no network I/O.
func (c *Client) GetPathImage(info ImageRef) string {
	v := url.Values{}
	v.Set("filename", info.Filename)
	v.Set("type", info.Type)
	if info.Subfolder != "" {
		v.Set("subfolder", info.Subfolder)
	}
	return strings.TrimRight(c.cfg.Host, "/") + "/view?" + v.Encode()
}

// GetImage fetches the referenced artifact's bytes, applying credentials —
// used when the backend requires authentication to serve /view.
func (c *Client) GetImage(ctx context.Context, info ImageRef) ([]byte, error) {
	if c.isDestroyed() {
		return nil, comfyerrors.ErrDestroyed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.GetPathImage(info), nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	c.cfg.Credentials.apply(req)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get image: %w: %w", comfyerrors.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, comfyerrors.NewHTTPError(resp.StatusCode, b)
	}
	c.touchActivity()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	return data, nil
}

// GetTerminalLogs fetches the raw terminal log buffer (spec §6
// "/internal/logs/raw").
func (c *Client) GetTerminalLogs(ctx context.Context) ([]string, error) {
	var raw struct {
		Entries []string `json:"entries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/internal/logs/raw", nil, &raw); err != nil {
		return nil, err
	}
	return raw.Entries, nil
}

// SubscribeTerminalLogs toggles the backend's terminal-log subscription for
// this client (spec §6 "/internal/logs/subscribe").
func (c *Client) SubscribeTerminalLogs(ctx context.Context, enabled bool) error {
	body := map[string]any{"clientId": c.ID(), "enabled": enabled}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.cfg.Host+"/internal/logs/subscribe", mustJSON(body))
	if err != nil {
		return fmt.Errorf("build subscribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.cfg.Credentials.apply(req)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe terminal logs: %w: %w", comfyerrors.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return comfyerrors.NewHTTPError(resp.StatusCode, b)
	}
	c.touchActivity()
	return nil
}

func mustJSON(v any) *bytes.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}
