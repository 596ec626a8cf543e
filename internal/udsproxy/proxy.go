// Package udsproxy forwards HTTP requests to a hypervisor control API
// listening on a Unix domain socket. It is the only channel by which the
// control plane talks to a hypervisor, and it is content-agnostic: request
// and response bodies pass through verbatim, never parsed.
package udsproxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/containerd/log"

	"github.com/NexusQuantum/microvm/internal/faults"
)

// Response carries the upstream status, headers and full body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Proxy forwards HTTP requests over Unix domain sockets. Clients are cached
// per socket path.
type Proxy struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

// New returns an empty proxy.
func New() *Proxy {
	return &Proxy{clients: make(map[string]*http.Client)}
}

func (p *Proxy) client(socketPath string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[socketPath]; ok {
		return c
	}
	// No client timeout: callers bound each request with their context.
	// A flat cap would fail long hypervisor operations, snapshot writes
	// of a large guest memory in particular.
	c := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	p.clients[socketPath] = c
	return c
}

// Forward sends an HTTP request for path over the socket at socketPath and
// returns the upstream response. All request headers are copied except
// Host, which is meaningless over a Unix socket. Any connection, request or
// response failure is wrapped into a single transport error.
func (p *Proxy) Forward(ctx context.Context, socketPath, method, path string, header http.Header, body []byte) (*Response, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Transportf("build request %s %s: %v", method, path, err)
	}
	for name, values := range header {
		if http.CanonicalHeaderKey(name) == "Host" {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := p.client(socketPath).Do(req)
	if err != nil {
		return nil, faults.Transportf("forward %s %s to %s: %v", method, path, socketPath, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Transportf("read response for %s %s from %s: %v", method, path, socketPath, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"socket": socketPath,
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
	}).Debug("forwarded hypervisor request")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}
