package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/NexusQuantum/microvm/internal/faults"
	"github.com/NexusQuantum/microvm/internal/snapshot"
)

// AgentClient talks to a host agent's HTTP API. It implements both sides
// the snapshot orchestrator needs: path preparation and the typed
// hypervisor calls.
type AgentClient struct {
	baseURL string
	http    *http.Client
}

// NewAgentClient returns a client for the agent at baseURL. The client
// carries no flat timeout: snapshot writes scale with guest memory, so each
// call is bounded by its context instead.
func NewAgentClient(baseURL string) *AgentClient {
	return &AgentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// PrepareSnapshot asks the agent to allocate snapshot paths for a VM.
func (c *AgentClient) PrepareSnapshot(ctx context.Context, vmID, snapshotID string) (*snapshot.PrepareResult, error) {
	var res snapshot.PrepareResult
	err := c.post(ctx, fmt.Sprintf("/vms/%s/snapshots/prepare", vmID),
		map[string]string{"snapshot_id": snapshotID}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Pause suspends the VM through the agent.
func (c *AgentClient) Pause(ctx context.Context, vmID string) error {
	return c.post(ctx, fmt.Sprintf("/vms/%s/pause", vmID), nil, nil)
}

// Resume unpauses the VM through the agent.
func (c *AgentClient) Resume(ctx context.Context, vmID string) error {
	return c.post(ctx, fmt.Sprintf("/vms/%s/resume", vmID), nil, nil)
}

// CreateSnapshot triggers a hypervisor snapshot through the agent.
func (c *AgentClient) CreateSnapshot(ctx context.Context, vmID, snapshotPath, memPath string) error {
	return c.post(ctx, fmt.Sprintf("/vms/%s/snapshot", vmID), map[string]string{
		"snapshot_path": snapshotPath,
		"mem_path":      memPath,
	}, nil)
}

func (c *AgentClient) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding agent request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("building agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Transportf("agent %s: %v", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return faults.Transportf("agent %s: reading response: %v", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return agentError(path, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return faults.Transportf("agent %s: decoding response: %v", path, err)
		}
	}
	return nil
}

// agentError rebuilds the agent's error class from its status code so the
// taxonomy survives the HTTP hop.
func agentError(path string, status int, raw []byte) error {
	msg := string(raw)
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch status {
	case http.StatusBadRequest:
		return faults.Configurationf("agent %s: %s", path, msg)
	case http.StatusNotFound:
		return fmt.Errorf("agent %s: %s: %w", path, msg, errdefs.ErrNotFound)
	case http.StatusConflict:
		return faults.Conflictf("agent %s: %s", path, msg)
	case http.StatusBadGateway:
		return faults.Transportf("agent %s: %s", path, msg)
	default:
		return fmt.Errorf("agent %s: status %d: %s", path, status, msg)
	}
}
