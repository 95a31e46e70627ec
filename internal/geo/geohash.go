package geo

import (
	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-bidding/internal/models"
)

// CellPrecision gives cells of roughly 1.2km x 0.6km.
const CellPrecision = 6

// Cell encodes c at CellPrecision.
func Cell(c models.Coord) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, CellPrecision)
}

// CellAndNeighbors returns the cell of c followed by its eight neighbours.
func CellAndNeighbors(c models.Coord) []string {
	h := Cell(c)
	return append([]string{h}, geohash.Neighbors(h)...)
}
