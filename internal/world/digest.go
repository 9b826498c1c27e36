package world

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"lukechampine.com/blake3"
)

// Digest hashes the state in a canonical order. Replay equivalence is
// checked digest-to-digest, so every field that matters must land here and
// map iteration order must not.
func (s State) Digest() string {
	h := blake3.New(32, nil)
	var tmp [8]byte

	writeStr := func(v string) {
		binary.LittleEndian.PutUint64(tmp[:], uint64(len(v)))
		h.Write(tmp[:])
		h.Write([]byte(v))
	}
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}

	writeStr(s.InstanceID)
	writeU64(uint64(s.TickID))
	writeU64(uint64(s.Version))

	keys := make([]string, 0, len(s.Vars))
	for k := range s.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeU64(uint64(len(keys)))
	for _, k := range keys {
		writeStr(k)
		writeU64(math.Float64bits(s.Vars[k]))
	}

	keys = keys[:0]
	for k := range s.Threads {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeU64(uint64(len(keys)))
	for _, k := range keys {
		t := s.Threads[k]
		writeStr(k)
		writeStr(t.PhaseID)
		writeU64(uint64(t.Progress))
		writeStr(t.BranchBucket)
	}

	keys = keys[:0]
	for k := range s.Objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeU64(uint64(len(keys)))
	for _, k := range keys {
		o := s.Objects[k]
		writeStr(k)
		writeStr(o.HolderType)
		writeStr(o.HolderID)
	}

	return hex.EncodeToString(h.Sum(nil))
}
