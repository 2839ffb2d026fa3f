package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stratomesh/strato/pkg/types"
)

// Snapshot is an immutable point-in-time copy of the store, sufficient to
// restore the orchestrator after a restart.
type Snapshot struct {
	TakenAt  time.Time                          `json:"taken_at"`
	Nodes    []types.Node                       `json:"nodes"`
	VMs      []types.VM                         `json:"vms"`
	Commands []types.PendingCommand             `json:"commands"`
	Liveness []types.LivenessState              `json:"liveness"`
	Events   []types.Event                      `json:"events"`
	Samples  map[string][]types.HeartbeatSample `json:"heartbeat_samples"`
}

// Snapshot produces a point-in-time copy of all store state. Locks are taken
// per entity family in the documented order, so the snapshot is consistent
// within each family.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{TakenAt: s.clock.Now()}

	s.nodesMu.RLock()
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, *cloneNode(n))
	}
	snap.Samples = make(map[string][]types.HeartbeatSample, len(s.samples))
	for id, samples := range s.samples {
		snap.Samples[id] = append([]types.HeartbeatSample(nil), samples...)
	}
	s.nodesMu.RUnlock()

	s.vmsMu.RLock()
	for _, vm := range s.vms {
		snap.VMs = append(snap.VMs, *cloneVM(vm))
	}
	s.vmsMu.RUnlock()

	s.cmdsMu.RLock()
	for _, cmd := range s.commands {
		snap.Commands = append(snap.Commands, *cmd)
	}
	s.cmdsMu.RUnlock()

	s.livenessMu.RLock()
	for _, ls := range s.liveness {
		snap.Liveness = append(snap.Liveness, *ls)
	}
	s.livenessMu.RUnlock()

	s.eventsMu.Lock()
	snap.Events = append(snap.Events, s.events...)
	s.eventsMu.Unlock()

	return snap
}

// Restore replaces the store contents with the snapshot's
func (s *Store) Restore(snap *Snapshot) {
	s.nodesMu.Lock()
	s.nodes = make(map[string]*types.Node, len(snap.Nodes))
	for i := range snap.Nodes {
		s.nodes[snap.Nodes[i].ID] = cloneNode(&snap.Nodes[i])
	}
	s.samples = make(map[string][]types.HeartbeatSample, len(snap.Samples))
	for id, samples := range snap.Samples {
		s.samples[id] = append([]types.HeartbeatSample(nil), samples...)
	}
	s.nodesMu.Unlock()

	s.vmsMu.Lock()
	s.vms = make(map[string]*types.VM, len(snap.VMs))
	for i := range snap.VMs {
		s.vms[snap.VMs[i].ID] = cloneVM(&snap.VMs[i])
	}
	s.vmsMu.Unlock()

	s.cmdsMu.Lock()
	s.commands = make(map[string]*types.PendingCommand, len(snap.Commands))
	for i := range snap.Commands {
		c := snap.Commands[i]
		s.commands[c.ID] = &c
	}
	s.cmdsMu.Unlock()

	s.livenessMu.Lock()
	s.liveness = make(map[string]*types.LivenessState, len(snap.Liveness))
	for i := range snap.Liveness {
		ls := snap.Liveness[i]
		s.liveness[ls.VMID] = &ls
	}
	s.livenessMu.Unlock()

	s.eventsMu.Lock()
	s.events = append([]types.Event(nil), snap.Events...)
	if len(s.events) > s.eventCap {
		s.events = s.events[len(s.events)-s.eventCap:]
	}
	s.eventsMu.Unlock()
}

var (
	bucketNodes    = []byte("nodes")
	bucketVMs      = []byte("vms")
	bucketCommands = []byte("commands")
	bucketLiveness = []byte("liveness")
	bucketEvents   = []byte("events")
	bucketSamples  = []byte("heartbeat_samples")
	bucketMeta     = []byte("meta")
)

// SnapshotStore persists store snapshots to a BoltDB file, bucket per entity
// family with JSON values.
type SnapshotStore struct {
	db *bolt.DB
}

// vmRecord is the persisted shape of a VM. The API JSON shape redacts
// EncryptedPassword; persistence must keep it or the stored blob would not
// survive a restart.
type vmRecord struct {
	types.VM
	EncryptedPassword string `json:"encrypted_password,omitempty"`
}

// OpenSnapshotStore opens (or creates) the snapshot database under dataDir
func OpenSnapshotStore(dataDir string) (*SnapshotStore, error) {
	dbPath := filepath.Join(dataDir, "strato.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes, bucketVMs, bucketCommands,
			bucketLiveness, bucketEvents, bucketSamples, bucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SnapshotStore{db: db}, nil
}

// Close closes the database
func (ss *SnapshotStore) Close() error {
	return ss.db.Close()
}

// Save writes the snapshot, replacing any previous one
func (ss *SnapshotStore) Save(snap *Snapshot) error {
	return ss.db.Update(func(tx *bolt.Tx) error {
		if err := putAll(tx, bucketNodes, snap.Nodes, func(n types.Node) string { return n.ID }); err != nil {
			return err
		}
		vms := make([]vmRecord, len(snap.VMs))
		for i, vm := range snap.VMs {
			vms[i] = vmRecord{VM: vm, EncryptedPassword: vm.EncryptedPassword}
		}
		if err := putAll(tx, bucketVMs, vms, func(r vmRecord) string { return r.ID }); err != nil {
			return err
		}
		if err := putAll(tx, bucketCommands, snap.Commands, func(c types.PendingCommand) string { return c.ID }); err != nil {
			return err
		}
		if err := putAll(tx, bucketLiveness, snap.Liveness, func(ls types.LivenessState) string { return ls.VMID }); err != nil {
			return err
		}

		// events and samples are stored whole; both are bounded
		if err := putJSON(tx, bucketEvents, "ring", snap.Events); err != nil {
			return err
		}
		if err := putJSON(tx, bucketSamples, "all", snap.Samples); err != nil {
			return err
		}
		return putJSON(tx, bucketMeta, "taken_at", snap.TakenAt)
	})
}

// Load reads the most recent snapshot. Returns ErrNotFound when no snapshot
// has been saved yet.
func (ss *SnapshotStore) Load() (*Snapshot, error) {
	snap := &Snapshot{Samples: make(map[string][]types.HeartbeatSample)}
	err := ss.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte("taken_at"))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &snap.TakenAt); err != nil {
			return err
		}

		if err := getAll(tx, bucketNodes, &snap.Nodes); err != nil {
			return err
		}
		var vms []vmRecord
		if err := getAll(tx, bucketVMs, &vms); err != nil {
			return err
		}
		for _, r := range vms {
			vm := r.VM
			vm.EncryptedPassword = r.EncryptedPassword
			snap.VMs = append(snap.VMs, vm)
		}
		if err := getAll(tx, bucketCommands, &snap.Commands); err != nil {
			return err
		}
		if err := getAll(tx, bucketLiveness, &snap.Liveness); err != nil {
			return err
		}

		if data := tx.Bucket(bucketEvents).Get([]byte("ring")); data != nil {
			if err := json.Unmarshal(data, &snap.Events); err != nil {
				return err
			}
		}
		if data := tx.Bucket(bucketSamples).Get([]byte("all")); data != nil {
			if err := json.Unmarshal(data, &snap.Samples); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func putAll[T any](tx *bolt.Tx, bucket []byte, items []T, key func(T) string) error {
	b := tx.Bucket(bucket)
	// replace-all semantics: drop rows from the previous snapshot
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key(item)), data); err != nil {
			return err
		}
	}
	return nil
}

func getAll[T any](tx *bolt.Tx, bucket []byte, out *[]T) error {
	return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		*out = append(*out, item)
		return nil
	})
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}
