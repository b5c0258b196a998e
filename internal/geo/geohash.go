package geo

import (
	"math"

	"github.com/depannage/dispatch/internal/domain"
)

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// grid is the geohash cell lattice at a fixed precision. Cells are addressed
// by (row, col) and named by their geohash string.
type grid struct {
	precision int
	latBits   uint
	lonBits   uint
	rows      int
	cols      int
	cellLat   float64
	cellLon   float64
}

func newGrid(precision int) grid {
	if precision < 1 {
		precision = 1
	}
	if precision > 12 {
		precision = 12
	}
	bits := uint(5 * precision)
	g := grid{
		precision: precision,
		lonBits:   (bits + 1) / 2,
		latBits:   bits / 2,
	}
	g.rows = 1 << g.latBits
	g.cols = 1 << g.lonBits
	g.cellLat = 180.0 / float64(g.rows)
	g.cellLon = 360.0 / float64(g.cols)
	return g
}

// Encode returns the geohash of p at the given precision.
func Encode(p domain.Point, precision int) string {
	g := newGrid(precision)
	row, col := g.locate(p)
	return g.hash(row, col)
}

func (g grid) locate(p domain.Point) (row, col int) {
	row = int(math.Floor((p.Lat + 90) / g.cellLat))
	col = int(math.Floor((p.Lon + 180) / g.cellLon))
	return clampInt(row, 0, g.rows-1), clampInt(col, 0, g.cols-1)
}

// hash interleaves column (longitude) and row (latitude) bits, longitude
// first, five bits per base32 character.
func (g grid) hash(row, col int) string {
	buf := make([]byte, g.precision)
	latBit, lonBit := g.latBits, g.lonBits
	ch := 0
	for i := 0; i < g.precision*5; i++ {
		var bit int
		if i%2 == 0 {
			lonBit--
			bit = (col >> lonBit) & 1
		} else {
			latBit--
			bit = (row >> latBit) & 1
		}
		ch = ch<<1 | bit
		if i%5 == 4 {
			buf[i/5] = base32[ch]
			ch = 0
		}
	}
	return string(buf)
}

func (g grid) bounds(row, col int) (latMin, latMax, lonMin, lonMax float64) {
	latMin = float64(row)*g.cellLat - 90
	lonMin = float64(col)*g.cellLon - 180
	return latMin, latMin + g.cellLat, lonMin, lonMin + g.cellLon
}

// intersects reports whether the disk of radius r around center touches the
// cell. The nearest-point estimate is padded by a meter so boundary cells
// are never skipped; exact distances are checked per entry afterwards.
func (g grid) intersects(center domain.Point, r float64, row, col int) bool {
	latMin, latMax, lonMin, lonMax := g.bounds(row, col)
	nearest := domain.Point{Lat: clampFloat(center.Lat, latMin, latMax)}
	switch {
	case center.Lon >= lonMin && center.Lon <= lonMax:
		nearest.Lon = center.Lon
	case lonGap(center.Lon, lonMin) <= lonGap(center.Lon, lonMax):
		nearest.Lon = lonMin
	default:
		nearest.Lon = lonMax
	}
	return Haversine(center, nearest) <= r+0.001
}

type cellRef struct {
	row, col int
}

// cover lists the cells whose bounds intersect the disk. It returns ok=false
// when the covering is larger than limit cells, letting the caller scan its
// occupied cells instead.
func (g grid) cover(center domain.Point, r float64, limit int) ([]cellRef, bool) {
	dLat := r / kmPerDegreeLat
	latLo := math.Max(center.Lat-dLat, -90)
	latHi := math.Min(center.Lat+dLat, 90)
	rowLo, _ := g.locate(domain.Point{Lat: latLo, Lon: center.Lon})
	rowHi, _ := g.locate(domain.Point{Lat: latHi, Lon: center.Lon})

	full := latLo <= -90 || latHi >= 90
	var colLo, colHi int
	if !full {
		maxAbs := math.Max(math.Abs(latLo), math.Abs(latHi))
		dLon := dLat / math.Cos(toRad(maxAbs))
		if dLon >= 180 {
			full = true
		} else {
			colLo = int(math.Floor((center.Lon - dLon + 180) / g.cellLon))
			colHi = int(math.Floor((center.Lon + dLon + 180) / g.cellLon))
			if colHi-colLo+1 >= g.cols {
				full = true
			}
		}
	}
	if full {
		colLo, colHi = 0, g.cols-1
	}

	total := (rowHi - rowLo + 1) * (colHi - colLo + 1)
	if total > limit {
		return nil, false
	}
	out := make([]cellRef, 0, total)
	for row := rowLo; row <= rowHi; row++ {
		for c := colLo; c <= colHi; c++ {
			col := ((c % g.cols) + g.cols) % g.cols
			if g.intersects(center, r, row, col) {
				out = append(out, cellRef{row: row, col: col})
			}
		}
	}
	return out, true
}

// lonGap is the absolute angular difference between two longitudes.
func lonGap(a, b float64) float64 {
	d := math.Mod(b-a+540, 360) - 180
	return math.Abs(d)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
