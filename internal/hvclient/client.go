// Package hvclient provides the few typed hypervisor control calls the
// control plane needs: pause, resume and snapshot creation. It only builds
// request content; the transport stays in udsproxy, which remains
// content-agnostic.
package hvclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/NexusQuantum/microvm/internal/faults"
	"github.com/NexusQuantum/microvm/internal/udsproxy"
)

const apiPrefix = "/api/v1"

// Client issues hypervisor control calls over a Unix domain socket.
type Client struct {
	proxy *udsproxy.Proxy
}

// New returns a client over the given proxy.
func New(proxy *udsproxy.Proxy) *Client {
	return &Client{proxy: proxy}
}

// snapshotRequest names the files the hypervisor writes the VM state and
// memory image into. The schema is owned by the hypervisor.
type snapshotRequest struct {
	SnapshotPath string `json:"snapshot_path"`
	MemPath      string `json:"mem_path"`
}

// Pause suspends vCPU execution.
func (c *Client) Pause(ctx context.Context, socketPath string) error {
	return c.put(ctx, socketPath, "vm.pause", nil)
}

// Resume restarts vCPU execution of a paused VM.
func (c *Client) Resume(ctx context.Context, socketPath string) error {
	return c.put(ctx, socketPath, "vm.resume", nil)
}

// CreateSnapshot asks the hypervisor to write the VM state and memory image
// to the given paths. The VM must be paused.
func (c *Client) CreateSnapshot(ctx context.Context, socketPath, snapshotPath, memPath string) error {
	body, err := json.Marshal(snapshotRequest{SnapshotPath: snapshotPath, MemPath: memPath})
	if err != nil {
		return fmt.Errorf("marshal snapshot request: %w", err)
	}
	return c.put(ctx, socketPath, "vm.snapshot", body)
}

func (c *Client) put(ctx context.Context, socketPath, action string, body []byte) error {
	header := http.Header{}
	if body != nil {
		header.Set("Content-Type", "application/json")
	}
	resp, err := c.proxy.Forward(ctx, socketPath, http.MethodPut, apiPrefix+"/"+action, header, body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return faults.Transportf("hypervisor %s: status %d: %s", action, resp.StatusCode, string(resp.Body))
	}
	return nil
}
