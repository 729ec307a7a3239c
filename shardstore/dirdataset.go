package shardstore

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// recordSize is the fixed size in bytes of one shard record:
// trajectory_id u32, time_step u32, px/py/pz f32, all little-endian
// (20 bytes), followed by 4 bytes of zero padding.
const recordSize = 24

// DirDataset is a reference Dataset implementation over a directory of
// shard files. Each file holds an 8-byte little-endian record count
// followed by that many fixed 24-byte records. Filenames follow
// "shard_<tLo>_<tHi>.bin" so Shards() can sort shards by time-step
// range without opening a single file, the same filename-first
// ordering trick that avoids opening every shard file just to sort them.
type DirDataset struct {
	dir    string
	shards []shardMeta
}

type shardMeta struct {
	id       ShardID
	path     string
	tLo, tHi uint32
}

// OpenDir opens a directory of shard files as a Dataset, parsing and
// sorting shard metadata from filenames alone.
func OpenDir(dir string) (*DirDataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("shardstore: reading dataset directory: %w", err)
	}

	var shards []shardMeta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var tLo, tHi uint32
		name := e.Name()
		if _, err := fmt.Sscanf(name, "shard_%d_%d.bin", &tLo, &tHi); err != nil {
			continue
		}
		shards = append(shards, shardMeta{
			id:   ShardID(name),
			path: filepath.Join(dir, name),
			tLo:  tLo,
			tHi:  tHi,
		})
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].tLo < shards[j].tLo })

	return &DirDataset{dir: dir, shards: shards}, nil
}

func (d *DirDataset) Shards() []ShardID {
	ids := make([]ShardID, len(d.shards))
	for i, s := range d.shards {
		ids[i] = s.id
	}
	return ids
}

func (d *DirDataset) find(shard ShardID) (shardMeta, error) {
	for _, s := range d.shards {
		if s.id == shard {
			return s, nil
		}
	}
	return shardMeta{}, fmt.Errorf("%w: %s", ErrShardNotFound, shard)
}

func (d *DirDataset) ShardTimeRange(shard ShardID) (uint32, uint32, error) {
	s, err := d.find(shard)
	if err != nil {
		return 0, 0, err
	}
	return s.tLo, s.tHi, nil
}

func (d *DirDataset) TimeStepRange() (uint32, uint32, error) {
	if len(d.shards) == 0 {
		return 0, 0, ErrNoShards
	}
	tLo, tHi := d.shards[0].tLo, d.shards[0].tHi
	for _, s := range d.shards[1:] {
		if s.tLo < tLo {
			tLo = s.tLo
		}
		if s.tHi > tHi {
			tHi = s.tHi
		}
	}
	return tLo, tHi, nil
}

// IterSamples streams every valid sample in a shard file, reusing a
// single buffered reader pass (no wholesale load into a slice).
func (d *DirDataset) IterSamples(ctx context.Context, shard ShardID, yield func(Sample) error) (int, error) {
	s, err := d.find(shard)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return 0, fmt.Errorf("shardstore: opening shard %s: %w", shard, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var countHdr [8]byte
	if _, err := io.ReadFull(r, countHdr[:]); err != nil {
		return 0, fmt.Errorf("shardstore: reading record count of shard %s: %w", shard, err)
	}
	n := binary.LittleEndian.Uint64(countHdr[:])

	skipped := 0
	var rec [recordSize]byte
	for i := uint64(0); i < n; i++ {
		if ctx.Err() != nil {
			return skipped, ctx.Err()
		}
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return skipped, fmt.Errorf("shardstore: reading record %d of shard %s: %w", i, shard, err)
		}
		sample := decodeRecord(rec)
		if !sample.IsValid() {
			skipped++
			continue
		}
		if err := yield(sample); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

// FetchTrajectorySamples scans every shard overlapping [tLo, tHi] and
// collects valid samples for the requested trajectory ids. Requested
// ids are bucketed by xxhash into a flat membership set, the same
// hash-bucketing idiom that keeps membership tests O(1) instead of a
// linear id scan per record.
func (d *DirDataset) FetchTrajectorySamples(ctx context.Context, trajectoryIDs []uint32, tLo, tHi uint32) (map[uint32][]TimeSample, error) {
	want := make(map[uint64]uint32, len(trajectoryIDs))
	for _, id := range trajectoryIDs {
		want[bucketKey(id)] = id
	}

	out := make(map[uint32][]TimeSample)
	for _, s := range d.shards {
		if s.tHi < tLo || s.tLo > tHi {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		_, err := d.IterSamples(ctx, s.id, func(sample Sample) error {
			if sample.TimeStep < tLo || sample.TimeStep > tHi {
				return nil
			}
			if _, ok := want[bucketKey(sample.TrajectoryID)]; !ok {
				return nil
			}
			out[sample.TrajectoryID] = append(out[sample.TrajectoryID], TimeSample{
				TimeStep: sample.TimeStep,
				Position: sample.Position,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("shardstore: fetching trajectory samples: %w", err)
		}
	}
	return out, nil
}

func bucketKey(id uint32) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], id)
	return xxhash.Sum64(b[:])
}

func decodeRecord(b [recordSize]byte) Sample {
	return Sample{
		TrajectoryID: binary.LittleEndian.Uint32(b[0:4]),
		TimeStep:     binary.LittleEndian.Uint32(b[4:8]),
		Position: [3]float32{
			math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
			math.Float32frombits(binary.LittleEndian.Uint32(b[12:16])),
			math.Float32frombits(binary.LittleEndian.Uint32(b[16:20])),
		},
	}
}

// WriteShard writes a shard file from a slice of samples, in the
// format DirDataset reads. It exists primarily for tests and for
// tooling that populates a reference dataset directory.
func WriteShard(path string, samples []Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("shardstore: creating shard file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var countHdr [8]byte
	binary.LittleEndian.PutUint64(countHdr[:], uint64(len(samples)))
	if _, err := w.Write(countHdr[:]); err != nil {
		return fmt.Errorf("shardstore: writing record count: %w", err)
	}

	var rec [recordSize]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint32(rec[0:4], s.TrajectoryID)
		binary.LittleEndian.PutUint32(rec[4:8], s.TimeStep)
		binary.LittleEndian.PutUint32(rec[8:12], math.Float32bits(s.Position[0]))
		binary.LittleEndian.PutUint32(rec[12:16], math.Float32bits(s.Position[1]))
		binary.LittleEndian.PutUint32(rec[16:20], math.Float32bits(s.Position[2]))
		if _, err := w.Write(rec[:]); err != nil {
			return fmt.Errorf("shardstore: writing record: %w", err)
		}
	}
	return w.Flush()
}
