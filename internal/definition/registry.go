package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/sequencer/model"
)

// snapshot is an immutable collection of sequence definitions indexed by key.
type snapshot struct {
	sequences map[string]model.SequenceDefinition
	keys      []string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of loaded sequence
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.SequenceDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. A later definition with the same key wins.
func (r *Registry) Replace(defs []model.SequenceDefinition) {
	s := &snapshot{
		sequences: make(map[string]model.SequenceDefinition, len(defs)),
	}

	var checksumParts []string
	for _, def := range defs {
		s.sequences[def.Key] = def
		checksumParts = append(checksumParts, def.Checksum)
	}
	for k := range s.sequences {
		s.keys = append(s.keys, k)
	}
	sort.Strings(s.keys)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the sequence definition with the given key.
func (r *Registry) Get(key string) (model.SequenceDefinition, bool) {
	d, ok := r.current().sequences[key]
	return d, ok
}

// All returns every definition ordered by key.
func (r *Registry) All() []model.SequenceDefinition {
	s := r.current()
	defs := make([]model.SequenceDefinition, 0, len(s.keys))
	for _, k := range s.keys {
		defs = append(defs, s.sequences[k])
	}
	return defs
}

// Len returns the number of loaded definitions.
func (r *Registry) Len() int {
	return len(r.current().keys)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
