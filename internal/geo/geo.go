package geo

import (
	"math"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/example/ride-bidding/internal/models"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// ValidCoord reports whether c lies within latitude/longitude ranges.
func ValidCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180 &&
		!math.IsNaN(c.Lat) && !math.IsNaN(c.Lon)
}

// Box is a lat/lon rectangle that contains every point within a radius of
// its center. It does not wrap across the antimeridian.
type Box struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// BoundingBox returns the box covering radiusM around center.
func BoundingBox(center models.Coord, radiusM float64) Box {
	ang := radiusM / earthRadiusM
	dLat := ang * 180 / math.Pi
	dLon := 180.0
	if s := math.Sin(ang) / math.Cos(center.Lat*math.Pi/180); s < 1 {
		dLon = math.Asin(s) * 180 / math.Pi
	}
	return Box{
		MinLat: math.Max(-90, center.Lat-dLat),
		MaxLat: math.Min(90, center.Lat+dLat),
		MinLon: math.Max(-180, center.Lon-dLon),
		MaxLon: math.Min(180, center.Lon+dLon),
	}
}

// Index is an in-memory R-tree of worker positions.
type Index struct {
	mu     sync.RWMutex
	tree   *rtreego.Rtree
	points map[string]*point
}

type point struct {
	id  string
	loc rtreego.Point
}

func (p *point) Bounds() rtreego.Rect { return p.loc.ToRect(1e-9) }

func NewIndex() *Index {
	return &Index{tree: rtreego.NewTree(2, 25, 50), points: make(map[string]*point)}
}

// Upsert moves id to c.
func (g *Index) Upsert(id string, c models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.points[id]; ok {
		g.tree.Delete(old)
	}
	p := &point{id: id, loc: rtreego.Point{c.Lat, c.Lon}}
	g.points[id] = p
	g.tree.Insert(p)
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.points[id]; ok {
		g.tree.Delete(old)
		delete(g.points, id)
	}
}

// Within returns the ids inside the bounding box of radiusM around center.
// It is a coarse superset; callers apply Haversine for exact distance.
func (g *Index) Within(center models.Coord, radiusM float64) []string {
	b := BoundingBox(center, radiusM)
	rect, err := rtreego.NewRectFromPoints(rtreego.Point{b.MinLat, b.MinLon}, rtreego.Point{b.MaxLat, b.MaxLon})
	if err != nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	hits := g.tree.SearchIntersect(rect)
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.(*point).id)
	}
	return out
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.points)
}
