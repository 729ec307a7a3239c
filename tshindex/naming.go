package tshindex

import (
	"path/filepath"
	"strconv"
)

// CellDirName formats a cell size into the stable directory-name form
// used by both the Builder (writer) and the Registry (reader):
// "cell_<cell_size>", with the shortest decimal representation that
// round-trips through a 32-bit float. Builder and Registry must agree
// on this exactly, since the Registry locates files the Builder wrote
// purely by reconstructing this same path.
func CellDirName(cellSize float32) string {
	return "cell_" + strconv.FormatFloat(float64(cellSize), 'f', -1, 32)
}

// IndexFileName formats the file name of one time step's index within
// its cell-size directory.
func IndexFileName(timeStep uint32) string {
	return "index_" + strconv.FormatUint(uint64(timeStep), 10) + ".bin"
}

// IndexPath joins an output directory, cell size, and time step into
// the full on-disk path of an index file:
// "<output_dir>/cell_<cell_size>/index_<time_step>.bin".
func IndexPath(outputDir string, cellSize float32, timeStep uint32) string {
	return filepath.Join(outputDir, CellDirName(cellSize), IndexFileName(timeStep))
}
