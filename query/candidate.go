// Package query implements the two-phase candidate gather and the
// four radius/time-range query families built on top of it (C7, C8).
package query

import (
	"fmt"

	"github.com/opentraj/trajhash/cellmath"
	"github.com/opentraj/trajhash/tshindex"
)

// Gather takes an opened Index Record, a query center, and a radius,
// enumerates every cell the query sphere can overlap, and collects the
// union of candidate trajectory ids. It has no dependency on the
// Registry so it can be unit-tested directly against a hand-built
// *tshindex.DB.
//
// Ordering of the returned ids is unspecified; ids are deduplicated
// defensively even though a well-formed index (one cell per trajectory
// per time step) makes duplicates within a single Gather call
// impossible.
func Gather(db *tshindex.DB, center [3]float32, radius float32) ([]uint32, error) {
	cmin, cmax := cellmath.CellRangeForSphere(center, radius, db.Header.BBoxMin, db.Header.CellSize)

	seen := make(map[uint32]struct{})
	var ids []uint32

	for x := cmin.X; x <= cmax.X; x++ {
		for y := cmin.Y; y <= cmax.Y; y++ {
			for z := cmin.Z; z <= cmax.Z; z++ {
				cell := cellmath.Cell{X: x, Y: y, Z: z}
				if !cellmath.InBounds(cell) {
					continue
				}
				entry, ok := db.Lookup(cellmath.EncodeZ(x, y, z))
				if !ok {
					continue
				}
				cellIDs, err := db.ReadIDs(entry)
				if err != nil {
					return nil, fmt.Errorf("query: gathering candidates: %w", err)
				}
				for _, id := range cellIDs {
					if _, dup := seen[id]; dup {
						continue
					}
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
	}
	return ids, nil
}
