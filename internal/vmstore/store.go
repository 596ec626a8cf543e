package vmstore

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/NexusQuantum/microvm/internal/boltstore"
	"github.com/NexusQuantum/microvm/internal/network"
)

// Store is the typed record store over one bolt database.
type Store struct {
	db        *bolt.DB
	vms       *boltstore.BoltStore[VMRecord]
	forwards  *boltstore.BoltStore[PortForwardRule]
	snapshots *boltstore.BoltStore[SnapshotRecord]
	networks  *boltstore.BoltStore[network.Descriptor]
}

// Open opens (creating if needed) the record store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := boltstore.OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New builds a Store over an already open database.
func New(db *bolt.DB) (*Store, error) {
	vms, err := boltstore.New[VMRecord](db, "vms")
	if err != nil {
		return nil, err
	}
	forwards, err := boltstore.New[PortForwardRule](db, "portforwards")
	if err != nil {
		return nil, err
	}
	snapshots, err := boltstore.New[SnapshotRecord](db, "snapshots")
	if err != nil {
		return nil, err
	}
	networks, err := boltstore.New[network.Descriptor](db, "networks")
	if err != nil {
		return nil, err
	}
	return &Store{db: db, vms: vms, forwards: forwards, snapshots: snapshots, networks: networks}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetVM(ctx context.Context, id string) (*VMRecord, error) {
	return s.vms.Get(ctx, id)
}

func (s *Store) PutVM(ctx context.Context, vm *VMRecord) error {
	return s.vms.Set(ctx, vm.ID, vm)
}

func (s *Store) DeleteVM(ctx context.Context, id string) error {
	return s.vms.Delete(ctx, id)
}

func forwardKey(vmID, ruleID string) string {
	return fmt.Sprintf("%s/%s", vmID, ruleID)
}

func (s *Store) PutForward(ctx context.Context, rule *PortForwardRule) error {
	return s.forwards.Set(ctx, forwardKey(rule.VMID, rule.ID), rule)
}

func (s *Store) DeleteForward(ctx context.Context, vmID, ruleID string) error {
	return s.forwards.Delete(ctx, forwardKey(vmID, ruleID))
}

// ForwardsForVM returns every recorded rule owned by the VM.
func (s *Store) ForwardsForVM(ctx context.Context, vmID string) ([]*PortForwardRule, error) {
	var rules []*PortForwardRule
	err := s.forwards.Scan(ctx, vmID+"/", func(key string, rule *PortForwardRule) error {
		rules = append(rules, rule)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*SnapshotRecord, error) {
	return s.snapshots.Get(ctx, id)
}

func (s *Store) PutSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	return s.snapshots.Set(ctx, rec.ID, rec)
}

// GetNetwork loads a persisted network descriptor by bridge name.
func (s *Store) GetNetwork(ctx context.Context, bridge string) (*network.Descriptor, error) {
	return s.networks.Get(ctx, bridge)
}

func (s *Store) PutNetwork(ctx context.Context, d *network.Descriptor) error {
	return s.networks.Set(ctx, d.BridgeName, d)
}

func (s *Store) DeleteNetwork(ctx context.Context, bridge string) error {
	return s.networks.Delete(ctx, bridge)
}

// SnapshotsForVM returns every snapshot record owned by the VM.
func (s *Store) SnapshotsForVM(ctx context.Context, vmID string) ([]*SnapshotRecord, error) {
	var recs []*SnapshotRecord
	err := s.snapshots.Scan(ctx, "", func(key string, rec *SnapshotRecord) error {
		if rec.VMID == vmID {
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}
