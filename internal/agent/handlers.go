package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/NexusQuantum/microvm/internal/faults"
	"github.com/NexusQuantum/microvm/internal/network"
	"github.com/NexusQuantum/microvm/internal/paths"
	"github.com/NexusQuantum/microvm/internal/snapshot"
	"github.com/NexusQuantum/microvm/internal/vmstore"
)

// unitName is the systemd unit a VM's hypervisor runs under.
func unitName(vmID string) string {
	return "microvm-" + vmID
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var d network.Descriptor
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.networks.Provision(r.Context(), &d); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.PutNetwork(r.Context(), &d); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"bridge":       d.BridgeName,
		"network_type": d.Type,
	})
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	var d network.Descriptor
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, r, err)
		return
	}
	// Prefer the descriptor recorded at provision time so a teardown request
	// only needs the bridge name.
	if stored, err := s.store.GetNetwork(r.Context(), d.BridgeName); err == nil {
		d = *stored
	}
	if err := s.networks.Teardown(r.Context(), &d); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteNetwork(r.Context(), d.BridgeName); err != nil && !errdefs.IsNotFound(err) {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces, err := s.networks.ListInterfaces(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interfaces": ifaces})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.networks.Status(r.Context(), r.PathValue("bridge"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type tapRequest struct {
	Name   string `json:"name"`
	Bridge string `json:"bridge"`
	Owner  string `json:"owner,omitempty"`
}

func (s *Server) handleCreateTap(w http.ResponseWriter, r *http.Request) {
	var req tapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	owner := req.Owner
	if owner == "" {
		owner = s.cfg.TapOwner
	}
	if err := s.networks.CreateTap(r.Context(), req.Name, req.Bridge, owner); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": req.Name})
}

func (s *Server) handleDeleteTap(w http.ResponseWriter, r *http.Request) {
	if err := s.networks.DeleteTap(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type peerRequest struct {
	VNI    uint32 `json:"vni"`
	PeerIP string `json:"peer_ip"`
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.networks.AddPeer(r.Context(), req.VNI, req.PeerIP); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.networks.RemovePeer(r.Context(), req.VNI, req.PeerIP); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	defer s.vmLocks.Lock(id)()

	vm, err := s.store.GetVM(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if vm.State == vmstore.VMStateRunning {
		writeError(w, r, faults.Conflictf("vm %s is already running", id))
		return
	}

	if err := s.sup.Spawn(ctx, unitName(id), paths.APISocketPath(id)); err != nil {
		writeError(w, r, err)
		return
	}
	vm.State = vmstore.VMStateRunning
	if err := s.store.PutVM(ctx, vm); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.forwards.ApplyForwards(ctx, id); err != nil {
		log.G(ctx).WithError(err).WithField("vm", id).Warn("could not reapply port forwards")
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	defer s.vmLocks.Lock(id)()

	vm, err := s.store.GetVM(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Firewall rules come out before the process so no traffic is forwarded
	// into a dying VM.
	if err := s.forwards.CleanupForwards(ctx, id); err != nil {
		log.G(ctx).WithError(err).WithField("vm", id).Warn("could not clean up port forwards")
	}
	if err := s.sup.Stop(ctx, unitName(id)); err != nil {
		writeError(w, r, err)
		return
	}
	vm.State = vmstore.VMStateStopped
	if err := s.store.PutVM(ctx, vm); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

type forwardRequest struct {
	GuestIP   string `json:"guest_ip,omitempty"`
	HostPort  uint16 `json:"host_port"`
	GuestPort uint16 `json:"guest_port"`
	Protocol  string `json:"protocol"`
}

func (s *Server) handleAddForward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req forwardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	defer s.vmLocks.Lock(id)()

	vm, err := s.store.GetVM(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// The request may be the first time the guest IP is reported; remember
	// it so forwards can be reapplied after a restart.
	if req.GuestIP != "" && req.GuestIP != vm.GuestIP {
		vm.GuestIP = req.GuestIP
		if err := s.store.PutVM(ctx, vm); err != nil {
			writeError(w, r, err)
			return
		}
	}

	// Without a guest IP the rule is recorded but not installed; the
	// reservation still protects the host port, and ApplyForwards installs
	// the rule once the VM reports its IP.
	if vm.GuestIP == "" {
		if err := s.forwards.Reserve(ctx, req.HostPort, req.Protocol); err != nil {
			writeError(w, r, err)
			return
		}
	} else if err := s.forwards.Setup(ctx, req.HostPort, vm.GuestIP, req.GuestPort, req.Protocol); err != nil {
		writeError(w, r, err)
		return
	}
	rule := &vmstore.PortForwardRule{
		ID:        uuid.NewString(),
		VMID:      id,
		HostPort:  req.HostPort,
		GuestPort: req.GuestPort,
		Protocol:  req.Protocol,
	}
	if err := s.store.PutForward(ctx, rule); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"host_port":  rule.HostPort,
		"guest_port": rule.GuestPort,
		"protocol":   rule.Protocol,
	})
}

func (s *Server) handleRemoveForward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req forwardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	defer s.vmLocks.Lock(id)()

	vm, err := s.store.GetVM(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rules, err := s.store.ForwardsForVM(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	for _, rule := range rules {
		if rule.HostPort != req.HostPort {
			continue
		}
		if err := s.forwards.Teardown(ctx, rule.HostPort, vm.GuestIP, rule.GuestPort, rule.Protocol); err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.store.DeleteForward(ctx, id, rule.ID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":         true,
			"host_port":  rule.HostPort,
			"guest_port": rule.GuestPort,
			"protocol":   rule.Protocol,
		})
		return
	}
	writeError(w, r, fmt.Errorf("vm %s has no forward for host port %d: %w",
		id, req.HostPort, errdefs.ErrNotFound))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.hvAction(w, r, func(ctx context.Context, socket string) error {
		return s.hv.Pause(ctx, socket)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.hvAction(w, r, func(ctx context.Context, socket string) error {
		return s.hv.Resume(ctx, socket)
	})
}

type snapshotRequest struct {
	SnapshotPath string `json:"snapshot_path"`
	MemPath      string `json:"mem_path"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.SnapshotPath == "" || req.MemPath == "" {
		writeError(w, r, faults.Configurationf("snapshot_path and mem_path are required"))
		return
	}
	s.hvAction(w, r, func(ctx context.Context, socket string) error {
		return s.hv.CreateSnapshot(ctx, socket, req.SnapshotPath, req.MemPath)
	})
}

// hvAction runs a typed hypervisor call against the VM's control socket.
func (s *Server) hvAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, socket string) error) {
	ctx := r.Context()
	id := r.PathValue("id")
	defer s.vmLocks.Lock(id)()

	if _, err := s.store.GetVM(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := fn(ctx, paths.APISocketPath(id)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type prepareRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

func (s *Server) handlePrepareSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req prepareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.SnapshotID == "" {
		writeError(w, r, faults.Configurationf("snapshot_id is required"))
		return
	}
	defer s.vmLocks.Lock(id)()

	if _, err := s.store.GetVM(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}

	dir := paths.SnapshotDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, r, fmt.Errorf("creating snapshot dir %s: %w", dir, err))
		return
	}
	res := &snapshot.PrepareResult{
		SnapshotPath: filepath.Join(dir, req.SnapshotID+".snap"),
		MemPath:      filepath.Join(dir, req.SnapshotID+".mem"),
	}
	res.SnapshotSize = fileSize(res.SnapshotPath)
	res.MemSize = fileSize(res.MemPath)
	writeJSON(w, http.StatusOK, res)
}

// fileSize returns the size of path, zero when the file does not exist yet.
func fileSize(path string) uint64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetVM(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		writeError(w, r, fmt.Errorf("connection cannot be hijacked for console relay"))
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		writeError(w, r, fmt.Errorf("hijacking console connection: %w", err))
		return
	}
	if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\n\r\n")); err != nil {
		conn.Close()
		return
	}
	// Bytes the client pipelined with the request sit in the hijack's
	// buffered reader; the relay has to drain them before the connection.
	relay := &hijackedConn{r: brw.Reader, Conn: conn}
	if err := s.sup.ProxyConsole(r.Context(), unitName(id), relay); err != nil {
		log.G(r.Context()).WithError(err).WithField("vm", id).Warn("console relay ended with error")
	}
}

// hijackedConn reads through the buffered reader left over from the hijack
// and writes straight to the connection.
type hijackedConn struct {
	r *bufio.Reader
	net.Conn
}

func (c *hijackedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (s *Server) handleHypervisor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := s.store.GetVM(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, faults.Configurationf("reading request body: %v", err))
		return
	}

	resp, err := s.proxy.Forward(ctx, paths.APISocketPath(id), r.Method,
		"/"+r.PathValue("path"), r.Header, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
