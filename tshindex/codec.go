package tshindex

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// Write serializes a Record as [header][entries][ids], little-endian.
// The Record must already satisfy the canonical layout invariants
// (entries sorted, canonical start_index/count layout). Write
// validates this before touching the writer so a caller never gets a
// partially-written, invalid file from a bad in-memory Record.
func Write(w io.Writer, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if uint64(len(r.IDs)) != uint64(r.NumIDs()) {
		return fmt.Errorf("%w: record holds %d ids, entries declare %d", ErrFormat, len(r.IDs), r.NumIDs())
	}

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], Version)
	binary.LittleEndian.PutUint32(hdr[8:12], r.TimeStep)
	binary.LittleEndian.PutUint32(hdr[12:16], math.Float32bits(r.CellSize))
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint32(hdr[16+4*axis:20+4*axis], math.Float32bits(r.BBoxMin[axis]))
	}
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint32(hdr[28+4*axis:32+4*axis], math.Float32bits(r.BBoxMax[axis]))
	}
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(r.Entries)))
	binary.LittleEndian.PutUint32(hdr[44:48], r.NumIDs())
	// hdr[48:64] is the reserved block, left zero.

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}

	entryBuf := make([]byte, EntrySize*len(r.Entries))
	for i, e := range r.Entries {
		off := i * EntrySize
		binary.LittleEndian.PutUint64(entryBuf[off:off+8], e.ZKey)
		binary.LittleEndian.PutUint32(entryBuf[off+8:off+12], e.StartIndex)
		binary.LittleEndian.PutUint32(entryBuf[off+12:off+16], e.Count)
	}
	if len(entryBuf) > 0 {
		if _, err := w.Write(entryBuf); err != nil {
			return fmt.Errorf("%w: writing entries: %v", ErrIO, err)
		}
	}

	idBuf := make([]byte, 4*len(r.IDs))
	for i, id := range r.IDs {
		binary.LittleEndian.PutUint32(idBuf[4*i:4*i+4], id)
	}
	if len(idBuf) > 0 {
		if _, err := w.Write(idBuf); err != nil {
			return fmt.Errorf("%w: writing ids: %v", ErrIO, err)
		}
	}
	return nil
}

// DB is a handle to an opened Index Record. Entries are loaded eagerly
// (they are small: 16 bytes/cell); ids are read from the backing stream
// on demand via ReadIDs, never loaded wholesale.
type DB struct {
	Header  Header
	Entries []Entry

	stream    io.ReaderAt
	idsOffset int64
}

// Open validates and loads the header and entry directory of an index
// file. size must be the exact length of the backing stream (for a
// real file, os.File.Stat().Size()); it is the basis of the
// file-length invariant check below.
func Open(stream io.ReaderAt, size int64) (*DB, error) {
	var hdr [HeaderSize]byte
	n, err := stream.ReadAt(hdr[:], 0)
	if n < HeaderSize {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: reading header: %v", ErrIO, err)
	}

	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x, want %#x", ErrFormat, magic, Magic)
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d, want %d", ErrFormat, version, Version)
	}

	h := Header{
		Magic:    magic,
		Version:  version,
		TimeStep: binary.LittleEndian.Uint32(hdr[8:12]),
		CellSize: math.Float32frombits(binary.LittleEndian.Uint32(hdr[12:16])),
		NEntries: binary.LittleEndian.Uint32(hdr[40:44]),
		NIDs:     binary.LittleEndian.Uint32(hdr[44:48]),
	}
	for axis := 0; axis < 3; axis++ {
		h.BBoxMin[axis] = math.Float32frombits(binary.LittleEndian.Uint32(hdr[16+4*axis : 20+4*axis]))
		h.BBoxMax[axis] = math.Float32frombits(binary.LittleEndian.Uint32(hdr[28+4*axis : 32+4*axis]))
	}

	expected := int64(HeaderSize) + int64(EntrySize)*int64(h.NEntries) + 4*int64(h.NIDs)
	if size != expected {
		return nil, fmt.Errorf("%w: file size %d != expected %d (n_entries=%d, n_ids=%d)", ErrFormat, size, expected, h.NEntries, h.NIDs)
	}

	entryBuf := make([]byte, EntrySize*h.NEntries)
	if len(entryBuf) > 0 {
		n, err := stream.ReadAt(entryBuf, HeaderSize)
		if n < len(entryBuf) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("%w: reading entries: %v", ErrIO, err)
		}
	}
	entries := make([]Entry, h.NEntries)
	for i := range entries {
		off := i * EntrySize
		entries[i] = Entry{
			ZKey:       binary.LittleEndian.Uint64(entryBuf[off : off+8]),
			StartIndex: binary.LittleEndian.Uint32(entryBuf[off+8 : off+12]),
			Count:      binary.LittleEndian.Uint32(entryBuf[off+12 : off+16]),
		}
		if i > 0 && entries[i-1].ZKey >= entries[i].ZKey {
			return nil, fmt.Errorf("%w: entries not strictly sorted at index %d", ErrFormat, i)
		}
	}

	if f, ok := stream.(interface {
		Fd() uintptr
	}); ok {
		if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
			slog.Debug("tshindex: fadvise(RANDOM) failed", "error", err)
		}
	}

	return &DB{
		Header:    h,
		Entries:   entries,
		stream:    stream,
		idsOffset: HeaderSize + int64(EntrySize)*int64(h.NEntries),
	}, nil
}

// OpenFile opens an index file from disk by path, computing its size
// via os.Stat for the file-length check in Open.
func OpenFile(path string) (*DB, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: stat: %v", ErrIO, err)
	}
	db, err := Open(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return db, f.Close, nil
}

// Lookup performs a binary search for the entry matching the given
// Z-order key.
func (db *DB) Lookup(zKey uint64) (Entry, bool) {
	r := Record{Entries: db.Entries}
	return r.Lookup(zKey)
}

// ReadIDs reads the trajectory ids belonging to one directory entry
// from the backing stream. Concurrent callers each get an independent
// io.SectionReader over the same io.ReaderAt, so no cursor is shared.
func (db *DB) ReadIDs(e Entry) ([]uint32, error) {
	if e.Count == 0 {
		return nil, nil
	}
	byteLen := int64(e.Count) * 4
	section := io.NewSectionReader(db.stream, db.idsOffset+int64(e.StartIndex)*4, byteLen)

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = append(buf.B[:0], make([]byte, byteLen)...)

	if _, err := io.ReadFull(section, buf.B); err != nil {
		return nil, fmt.Errorf("%w: reading ids for cell: %v", ErrIO, err)
	}

	ids := make([]uint32, e.Count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(buf.B[4*i : 4*i+4])
	}
	return ids, nil
}

// MemoryBytes is the resident-memory cost of this Record's header and
// entry directory, used by the Registry's memory accounting
// (ids are never loaded into RAM as part of Open/MemoryBytes).
func (db *DB) MemoryBytes() int64 {
	return int64(HeaderSize) + int64(EntrySize)*int64(len(db.Entries))
}
