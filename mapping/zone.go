package mapping

import (
	"encoding/json"
	"math"
	"os"

	clipper "github.com/ctessum/go.clipper"
	"github.com/pkg/errors"
)

// zoneScale converts world units to the integer grid clipper operates on,
// giving millimeter resolution for meter valued coordinates
const zoneScale = 1000

// Zone is a named polygonal region on the ground plane
type Zone struct {
	name    string
	polygon clipper.Path
	area    float64
}

// NewZone builds a zone from at least three world space vertices
func NewZone(name string, vertices []Point) (*Zone, error) {

	if len(vertices) < 3 {
		return nil, errors.Errorf("zone %q needs at least 3 vertices, got %d", name, len(vertices))
	}

	polygon := toPath(vertices)
	area := math.Abs(clipper.Area(polygon))

	if area == 0 {
		return nil, errors.Errorf("zone %q has zero area", name)
	}

	return &Zone{name: name, polygon: polygon, area: area}, nil
}

// zoneFile is the on disk zone definition
type zoneFile struct {
	Name     string  `json:"name"`
	Vertices []Point `json:"vertices"`
}

// LoadZones reads zone definitions from a JSON file holding an array of
// {"name", "vertices": [{"x","y"}]} objects
func LoadZones(path string) ([]*Zone, error) {

	data, err := os.ReadFile(path)

	if err != nil {
		return nil, errors.Wrap(err, "reading zones file")
	}

	var defs []zoneFile

	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, errors.Wrap(err, "parsing zones file")
	}

	zones := make([]*Zone, 0, len(defs))

	for _, def := range defs {
		z, err := NewZone(def.Name, def.Vertices)

		if err != nil {
			return nil, err
		}

		zones = append(zones, z)
	}

	return zones, nil
}

// Name returns the zone name
func (z *Zone) Name() string {
	return z.name
}

// Contains reports whether a world point lies inside the zone
func (z *Zone) Contains(p Point) bool {

	// intersect a one unit probe square around the point with the zone, a
	// point on the interior yields a non empty intersection
	probe := clipper.Path{
		{X: clipper.CInt(p.X*zoneScale - 1), Y: clipper.CInt(p.Y*zoneScale - 1)},
		{X: clipper.CInt(p.X*zoneScale + 1), Y: clipper.CInt(p.Y*zoneScale - 1)},
		{X: clipper.CInt(p.X*zoneScale + 1), Y: clipper.CInt(p.Y*zoneScale + 1)},
		{X: clipper.CInt(p.X*zoneScale - 1), Y: clipper.CInt(p.Y*zoneScale + 1)},
	}

	return intersectionArea(probe, z.polygon) > 0
}

// OverlapRatio returns the fraction of the given world space polygon that
// falls inside the zone
func (z *Zone) OverlapRatio(vertices []Point) float64 {

	if len(vertices) < 3 {
		return 0
	}

	subject := toPath(vertices)
	subjectArea := math.Abs(clipper.Area(subject))

	if subjectArea == 0 {
		return 0
	}

	return intersectionArea(subject, z.polygon) / subjectArea
}

// Count returns how many of the given records lie inside the zone
func (z *Zone) Count(records []Record) int {

	n := 0

	for _, rec := range records {
		if z.Contains(rec.World) {
			n++
		}
	}

	return n
}

// toPath scales world points onto the clipper integer grid
func toPath(vertices []Point) clipper.Path {

	path := make(clipper.Path, 0, len(vertices))

	for _, v := range vertices {
		path = append(path, &clipper.IntPoint{
			X: clipper.CInt(math.Round(v.X * zoneScale)),
			Y: clipper.CInt(math.Round(v.Y * zoneScale)),
		})
	}

	return path
}

// intersectionArea clips subject against clip and returns the resulting area
// in world units
func intersectionArea(subject, clip clipper.Path) float64 {

	c := clipper.NewClipper(clipper.IoNone)
	c.AddPath(subject, clipper.PtSubject, true)
	c.AddPath(clip, clipper.PtClip, true)

	solution, ok := c.Execute1(clipper.CtIntersection, clipper.PftEvenOdd, clipper.PftEvenOdd)

	if !ok {
		return 0
	}

	total := 0.0

	for _, path := range solution {
		total += math.Abs(clipper.Area(path))
	}

	return total / (zoneScale * zoneScale)
}
