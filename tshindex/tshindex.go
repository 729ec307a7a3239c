// Package tshindex defines the in-memory representation of a single
// time step's spatial hash index (the "Index Record") and its exact
// on-disk binary layout.
//
// A Record is: a 64-byte header, a Z-order-sorted directory of fixed
// 16-byte entries, and (for an in-memory, builder-populated Record) a
// flat array of trajectory ids. Once opened from disk, the id array is
// never loaded wholesale; see DB.ReadIDs. Entries are small and
// hot, ids are large and touched only on a cell hit.
package tshindex

import (
	"fmt"
	"sort"
)

// Magic is the uint32 in the first four bytes of an index file. Its hex
// digits spell "TSHT" read most significant byte first; it is stored
// little-endian like every header field, so the bytes on disk are "THST".
const Magic uint32 = 0x54534854

// Version is the only supported on-disk format version.
const Version uint32 = 1

// HeaderSize is the fixed size in bytes of an index header.
const HeaderSize = 64

// EntrySize is the fixed size in bytes of one directory entry.
const EntrySize = 16

// Header is the fixed 64-byte preamble of an index file.
type Header struct {
	Magic     uint32
	Version   uint32
	TimeStep  uint32
	CellSize  float32
	BBoxMin   [3]float32
	BBoxMax   [3]float32
	NEntries  uint32
	NIDs      uint32
	_reserved [4]uint32 // always zero; unused extension point
}

// Entry is one directory entry: the Z-order key of a non-empty cell and
// the range of the id payload that belongs to it.
type Entry struct {
	ZKey       uint64
	StartIndex uint32
	Count      uint32
}

// Record is a single time step's spatial hash index, in memory.
//
// Entries is always sorted strictly ascending by ZKey (invariant 1).
// IDs is populated directly by the Builder before writing. Open does not
// return a Record: it returns a DB, which holds no ids; use DB.ReadIDs
// to fetch a cell's ids on demand.
type Record struct {
	TimeStep uint32
	CellSize float32
	BBoxMin  [3]float32
	BBoxMax  [3]float32
	Entries  []Entry
	IDs      []uint32
}

// NumIDs returns the number of ids implied by the entry directory
// (invariant 2: sum of counts).
func (r *Record) NumIDs() uint32 {
	var total uint64
	for _, e := range r.Entries {
		total += uint64(e.Count)
	}
	return uint32(total)
}

// Validate checks invariants 1-4 against the in-memory Record. It does
// not require IDs to be populated (an entry directory without its id
// payload still validates).
func (r *Record) Validate() error {
	if r.CellSize <= 0 {
		return fmt.Errorf("%w: cell_size must be > 0, got %v", ErrFormat, r.CellSize)
	}
	for axis := 0; axis < 3; axis++ {
		if r.BBoxMin[axis] > r.BBoxMax[axis] {
			return fmt.Errorf("%w: bbox_min > bbox_max on axis %d", ErrFormat, axis)
		}
	}

	var runningStart uint64
	for i, e := range r.Entries {
		if i > 0 && r.Entries[i-1].ZKey >= e.ZKey {
			return fmt.Errorf("%w: entries not strictly sorted at index %d", ErrFormat, i)
		}
		if uint64(e.StartIndex) != runningStart {
			return fmt.Errorf("%w: entry %d start_index %d != expected %d (canonical layout requires contiguous ranges)", ErrFormat, i, e.StartIndex, runningStart)
		}
		runningStart += uint64(e.Count)
	}
	if runningStart > uint64(^uint32(0)) {
		return fmt.Errorf("%w: total id count %d overflows uint32", ErrFormat, runningStart)
	}

	if len(r.IDs) != 0 && uint64(len(r.IDs)) != runningStart {
		return fmt.Errorf("%w: sum of entry counts %d != len(ids) %d", ErrFormat, runningStart, len(r.IDs))
	}
	return nil
}

// Lookup performs a binary search for the entry matching the given
// Z-order key. It returns (Entry{}, false) on a miss.
func (r *Record) Lookup(zKey uint64) (Entry, bool) {
	i := sort.Search(len(r.Entries), func(i int) bool {
		return r.Entries[i].ZKey >= zKey
	})
	if i < len(r.Entries) && r.Entries[i].ZKey == zKey {
		return r.Entries[i], true
	}
	return Entry{}, false
}

// header returns the on-disk header for this Record.
func (r *Record) header() Header {
	return Header{
		Magic:    Magic,
		Version:  Version,
		TimeStep: r.TimeStep,
		CellSize: r.CellSize,
		BBoxMin:  r.BBoxMin,
		BBoxMax:  r.BBoxMax,
		NEntries: uint32(len(r.Entries)),
		NIDs:     r.NumIDs(),
	}
}

// BuildFromSamples partitions trajectory ids into cells by Z-order key
// and produces a Record with a canonical entry layout: entries sorted
// ascending by key, start_index the running sum of prior counts, ids
// flattened in the same order. It does not deduplicate: every id in
// every bucket is written. Resolving duplicate trajectory ids within a
// time step (and logging them) is the caller's job.
func BuildFromSamples(timeStep uint32, cellSize float32, bboxMin, bboxMax [3]float32, zKeyByTrajectory map[uint64][]uint32) *Record {
	keys := make([]uint64, 0, len(zKeyByTrajectory))
	for k := range zKeyByTrajectory {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	entries := make([]Entry, 0, len(keys))
	var ids []uint32
	var start uint32
	for _, k := range keys {
		bucket := zKeyByTrajectory[k]
		entries = append(entries, Entry{
			ZKey:       k,
			StartIndex: start,
			Count:      uint32(len(bucket)),
		})
		ids = append(ids, bucket...)
		start += uint32(len(bucket))
	}

	return &Record{
		TimeStep: timeStep,
		CellSize: cellSize,
		BBoxMin:  bboxMin,
		BBoxMax:  bboxMax,
		Entries:  entries,
		IDs:      ids,
	}
}
