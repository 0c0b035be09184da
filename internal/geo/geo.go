package geo

import (
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	earthRadiusM  = 6371000.0
	metersPerDeg  = earthRadiusM * math.Pi / 180
	defaultPrec   = 6
	defaultLinear = 64
	// beyond this many rings a bucket walk costs more than a scan
	maxRings = 48
)

// Entry is what the index knows about an idle driver.
type Entry struct {
	DriverID string
	Position models.Position
	Class    models.VehicleClass
}

// Candidate is an Entry with its distance to the query point.
type Candidate struct {
	Entry
	DistanceM float64
}

// Filter is applied to entries before distance ranking.
type Filter func(Entry) bool

// ClassFilter accepts drivers of the given vehicle class.
func ClassFilter(class models.VehicleClass) Filter {
	return func(e Entry) bool { return e.Class == class }
}

// Index buckets idle drivers by geohash cell. Nearest walks rings of cells
// outward from the query cell and stops as soon as the k best drivers are
// provably inside the covered radius. Below linearBelow entries it scans.
type Index struct {
	mu          sync.RWMutex
	precision   uint
	linearBelow int
	entries     map[string]Entry
	cellOf      map[string]string
	cells       map[string]map[string]struct{}
}

// NewIndex builds an index with the given geohash precision (characters)
// and linear-scan threshold. Zero values pick defaults.
func NewIndex(precision uint, linearBelow int) *Index {
	if precision == 0 || precision > 12 {
		precision = defaultPrec
	}
	if linearBelow < 0 {
		linearBelow = defaultLinear
	}
	return &Index{
		precision:   precision,
		linearBelow: linearBelow,
		entries:     make(map[string]Entry),
		cellOf:      make(map[string]string),
		cells:       make(map[string]map[string]struct{}),
	}
}

// Upsert inserts or moves a driver. The caller only indexes idle drivers.
func (g *Index) Upsert(driverID string, pos models.Position, class models.VehicleClass) {
	cell := geohash.EncodeWithPrecision(pos.Lat, pos.Lon, g.precision)
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.cellOf[driverID]; ok && prev != cell {
		g.unlinkLocked(driverID, prev)
	}
	bucket, ok := g.cells[cell]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[cell] = bucket
	}
	bucket[driverID] = struct{}{}
	g.cellOf[driverID] = cell
	g.entries[driverID] = Entry{DriverID: driverID, Position: pos, Class: class}
}

// Remove drops a driver from the index. Removing an absent driver is a no-op.
func (g *Index) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cell, ok := g.cellOf[driverID]
	if !ok {
		return
	}
	g.unlinkLocked(driverID, cell)
	delete(g.cellOf, driverID)
	delete(g.entries, driverID)
}

func (g *Index) unlinkLocked(driverID, cell string) {
	bucket := g.cells[cell]
	delete(bucket, driverID)
	if len(bucket) == 0 {
		delete(g.cells, cell)
	}
}

func (g *Index) Contains(driverID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.entries[driverID]
	return ok
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// Nearest returns up to k drivers within maxRadiusM of p, ordered by
// ascending great-circle distance with ties broken by lowest driver id.
func (g *Index) Nearest(p models.Coord, k int, maxRadiusM float64, filter Filter) []Candidate {
	if k <= 0 || maxRadiusM <= 0 {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.entries) == 0 {
		return nil
	}
	if len(g.entries) < g.linearBelow {
		return topK(g.scanLocked(p, maxRadiusM, filter), k)
	}

	center := geohash.EncodeWithPrecision(p.Lat, p.Lon, g.precision)
	box := geohash.BoundingBox(center)
	dLat := box.MaxLat - box.MinLat
	dLng := box.MaxLng - box.MinLng
	step := ringStepMeters(p.Lat, dLat, dLng, maxRadiusM)
	if step <= 0 {
		return topK(g.scanLocked(p, maxRadiusM, filter), k)
	}
	rings := int(math.Ceil(maxRadiusM/step)) + 1
	if rings > maxRings {
		return topK(g.scanLocked(p, maxRadiusM, filter), k)
	}
	cLat, cLng := box.Center()

	seen := make(map[string]struct{})
	var cands []Candidate
	for r := 0; r <= rings; r++ {
		for _, cell := range g.ringCells(cLat, cLng, dLat, dLng, r) {
			if _, ok := seen[cell]; ok {
				continue
			}
			seen[cell] = struct{}{}
			for id := range g.cells[cell] {
				if c, ok := g.candidateLocked(id, p, maxRadiusM, filter); ok {
					cands = append(cands, c)
				}
			}
		}
		// every driver closer than r full cells has been visited by now
		covered := float64(r) * step
		if covered >= maxRadiusM || within(cands, covered) >= k {
			break
		}
	}
	return topK(cands, k)
}

func (g *Index) scanLocked(p models.Coord, maxRadiusM float64, filter Filter) []Candidate {
	out := make([]Candidate, 0, len(g.entries))
	for id := range g.entries {
		if c, ok := g.candidateLocked(id, p, maxRadiusM, filter); ok {
			out = append(out, c)
		}
	}
	return out
}

func (g *Index) candidateLocked(id string, p models.Coord, maxRadiusM float64, filter Filter) (Candidate, bool) {
	e := g.entries[id]
	if filter != nil && !filter(e) {
		return Candidate{}, false
	}
	d := Haversine(p.Lat, p.Lon, e.Position.Lat, e.Position.Lon)
	if d > maxRadiusM {
		return Candidate{}, false
	}
	return Candidate{Entry: e, DistanceM: d}, true
}

// ringCells returns the geohash cells whose offset from the center cell is
// exactly r in Chebyshev distance.
func (g *Index) ringCells(cLat, cLng, dLat, dLng float64, r int) []string {
	if r == 0 {
		return []string{geohash.EncodeWithPrecision(cLat, cLng, g.precision)}
	}
	out := make([]string, 0, 8*r)
	for i := -r; i <= r; i++ {
		for j := -r; j <= r; j++ {
			if abs(i) != r && abs(j) != r {
				continue
			}
			lat := cLat + float64(i)*dLat
			if lat < -90 || lat > 90 {
				continue
			}
			out = append(out, geohash.EncodeWithPrecision(lat, wrapLng(cLng+float64(j)*dLng), g.precision))
		}
	}
	return out
}

// ringStepMeters is the guaranteed radius each extra ring adds: the smaller
// of the cell height and the cell width at the most poleward latitude the
// search can reach.
func ringStepMeters(lat, dLat, dLng, maxRadiusM float64) float64 {
	latM := dLat * metersPerDeg
	edge := math.Min(math.Abs(lat)+maxRadiusM/metersPerDeg, 89.9)
	lngM := dLng * metersPerDeg * math.Cos(edge*math.Pi/180)
	return math.Min(latM, lngM)
}

func within(cands []Candidate, radius float64) int {
	n := 0
	for _, c := range cands {
		if c.DistanceM <= radius {
			n++
		}
	}
	return n
}

func topK(cands []Candidate, k int) []Candidate {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].DistanceM != cands[j].DistanceM {
			return cands[i].DistanceM < cands[j].DistanceM
		}
		return cands[i].DriverID < cands[j].DriverID
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands
}

func wrapLng(lng float64) float64 {
	for lng >= 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}
