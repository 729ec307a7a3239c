package tshindex

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return BuildFromSamples(
		7, 10,
		[3]float32{0, 0, 0}, [3]float32{100, 100, 100},
		map[uint64][]uint32{
			0: {1, 2},    // cell (0,0,0)
			5: {4, 5, 6}, // some higher z-key
			3: {3},       // some key between
		},
	)
}

func TestBuildFromSamples_CanonicalLayout(t *testing.T) {
	r := sampleRecord()
	require.NoError(t, r.Validate())
	require.Len(t, r.Entries, 3)
	for i := 1; i < len(r.Entries); i++ {
		require.Less(t, r.Entries[i-1].ZKey, r.Entries[i].ZKey)
	}
	require.EqualValues(t, 6, r.NumIDs())
}

// Round trip through the on-disk codec.
func TestWriteOpen_RoundTrip(t *testing.T) {
	r := sampleRecord()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r))

	data := buf.Bytes()
	db, err := Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	require.Equal(t, r.TimeStep, db.Header.TimeStep)
	require.Equal(t, r.CellSize, db.Header.CellSize)
	require.Equal(t, r.BBoxMin, db.Header.BBoxMin)
	require.Equal(t, r.BBoxMax, db.Header.BBoxMax)
	require.Len(t, db.Entries, len(r.Entries))

	for _, e := range r.Entries {
		got, ok := db.Lookup(e.ZKey)
		require.True(t, ok)
		require.Equal(t, e, got)

		ids, err := db.ReadIDs(got)
		require.NoError(t, err)
		want := r.IDs[e.StartIndex : e.StartIndex+e.Count]
		require.Equal(t, want, ids)
	}

	_, ok := db.Lookup(999)
	require.False(t, ok)
}

func TestOpen_EmptyRecord(t *testing.T) {
	r := BuildFromSamples(0, 1, [3]float32{}, [3]float32{}, nil)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r))

	data := buf.Bytes()
	require.Len(t, data, HeaderSize)

	db, err := Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Empty(t, db.Entries)
	_, ok := db.Lookup(0)
	require.False(t, ok)
}

// Corrupted index files are rejected.
func TestOpen_BadMagic(t *testing.T) {
	r := sampleRecord()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r))
	data := buf.Bytes()
	data[0] ^= 0xff

	_, err := Open(bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, ErrFormat)
}

func TestOpen_BadVersion(t *testing.T) {
	r := sampleRecord()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r))
	data := buf.Bytes()
	data[4] = 0xff

	_, err := Open(bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, ErrFormat)
}

func TestOpen_TruncatedPayload(t *testing.T) {
	r := sampleRecord()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r))
	data := buf.Bytes()[:buf.Len()-4] // drop the last id

	_, err := Open(bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, ErrFormat)
}

func TestOpen_TruncatedHeader(t *testing.T) {
	data := make([]byte, HeaderSize-1)
	_, err := Open(bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, ErrIO)
}

func TestValidate_RejectsNonCanonicalStartIndex(t *testing.T) {
	r := &Record{
		CellSize: 1,
		Entries: []Entry{
			{ZKey: 1, StartIndex: 0, Count: 2},
			{ZKey: 2, StartIndex: 5, Count: 1}, // should be 2
		},
	}
	err := r.Validate()
	require.ErrorIs(t, err, ErrFormat)
}

func TestValidate_RejectsUnsortedEntries(t *testing.T) {
	r := &Record{
		CellSize: 1,
		Entries: []Entry{
			{ZKey: 5, StartIndex: 0, Count: 1},
			{ZKey: 2, StartIndex: 1, Count: 1},
		},
	}
	err := r.Validate()
	require.ErrorIs(t, err, ErrFormat)
}
