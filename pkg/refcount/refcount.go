// Package refcount tracks which callers currently hold a mount on each
// volume name. The table is the only state this driver owns: everything
// else is derived from the rbd CLI and the host mount table.
//
// The table is persisted write-through to a small JSON file so reference
// counts survive a daemon restart, and reconciled against the live mount
// table at startup. The mount table is authoritative; the file is a hint.
package refcount

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"
)

// stateFile is the name of the persisted table inside the state directory
const stateFile = "refs.json"

// Table maps volume names to the set of caller IDs holding a mount on
// them. All methods are safe for concurrent use.
type Table struct {
	mu   sync.Mutex
	refs map[string]map[string]struct{}

	// statePath is the persistence file; empty disables persistence
	statePath string
}

// New creates a reference table. If stateDir is non-empty, the table is
// loaded from and persisted to a JSON file under it; load and persist
// failures are logged, never fatal.
func New(stateDir string) *Table {
	t := &Table{
		refs: make(map[string]map[string]struct{}),
	}
	if stateDir == "" {
		return t
	}

	t.statePath = filepath.Join(stateDir, stateFile)
	t.load()
	return t
}

// Add records that id holds a mount on name. Idempotent: re-adding an
// existing id leaves the count unchanged. Returns the new count.
func (t *Table) Add(name, id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.refs[name]
	if !ok {
		set = make(map[string]struct{})
		t.refs[name] = set
	}
	if _, dup := set[id]; dup {
		klog.V(4).Infof("Reference %s on volume %s already tracked (idempotent)", id, name)
		return len(set)
	}

	set[id] = struct{}{}
	t.persistLocked()
	klog.V(2).Infof("Added reference %s on volume %s (%d total)", id, name, len(set))
	return len(set)
}

// Remove drops id's reference on name. Returns the remaining count and
// whether the id was actually present. An empty set is removed entirely.
func (t *Table) Remove(name, id string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.refs[name]
	if !ok {
		return 0, false
	}
	if _, present := set[id]; !present {
		return len(set), false
	}

	delete(set, id)
	remaining := len(set)
	if remaining == 0 {
		delete(t.refs, name)
	}
	t.persistLocked()
	klog.V(2).Infof("Removed reference %s on volume %s (%d remaining)", id, name, remaining)
	return remaining, true
}

// Count returns the number of distinct callers holding a mount on name.
func (t *Table) Count(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs[name])
}

// Names returns the volume names with at least one reference, sorted.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.refs))
	for name := range t.refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reconcile drops entries whose mount point is no longer present in the
// host mount table, as happens after a daemon restart that outlived its
// mounts. mountpointFor derives the canonical mount point for a name.
func (t *Table) Reconcile(mountpointFor func(name string) string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for name := range t.refs {
		target := mountpointFor(name)
		mounted, err := mountinfo.Mounted(target)
		if err != nil {
			if !os.IsNotExist(err) {
				klog.Warningf("Could not check mount point %s for volume %s: %v", target, name, err)
				continue
			}
			mounted = false
		}
		if !mounted {
			klog.V(2).Infof("Dropping stale references for volume %s: %s is not mounted", name, target)
			delete(t.refs, name)
			dropped++
		}
	}
	if dropped > 0 {
		t.persistLocked()
	}
	klog.V(2).Infof("Reconciled reference table: %d volumes kept, %d dropped", len(t.refs), dropped)
}

// persisted is the JSON shape of the state file
type persisted struct {
	Volumes map[string][]string `json:"volumes"`
}

// load reads the state file into the table. Missing file is a clean start.
func (t *Table) load() {
	data, err := os.ReadFile(t.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			klog.Warningf("Could not read reference state %s: %v", t.statePath, err)
		}
		return
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		klog.Warningf("Reference state %s is malformed, starting empty: %v", t.statePath, err)
		return
	}

	for name, ids := range p.Volumes {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		if len(set) > 0 {
			t.refs[name] = set
		}
	}
	klog.V(2).Infof("Loaded reference state for %d volumes from %s", len(t.refs), t.statePath)
}

// persistLocked writes the table to the state file. Caller holds t.mu.
func (t *Table) persistLocked() {
	if t.statePath == "" {
		return
	}

	p := persisted{Volumes: make(map[string][]string, len(t.refs))}
	for name, set := range t.refs {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		p.Volumes[name] = ids
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		klog.Warningf("Could not encode reference state: %v", err)
		return
	}

	tmp := t.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		klog.Warningf("Could not write reference state %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, t.statePath); err != nil {
		klog.Warningf("Could not replace reference state %s: %v", t.statePath, err)
	}
}
