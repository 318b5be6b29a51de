package mapping

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/cortexvision/detserve"
)

// Record is one detection projected onto the ground plane
type Record struct {
	// Frame is the source identifier of the frame the detection came from
	Frame string
	// DetectionID is the ID of the detection the record was projected from
	DetectionID int64
	// TrackID groups records of the same object, zero when untracked
	TrackID int64
	// ClassName is the detected class
	ClassName string
	// Image is the bottom center of the bounding box in pixels
	Image Point
	// World is the projected ground plane position
	World Point
}

// Mapper projects detections to world coordinates and accumulates their
// trajectories.  It is not safe for concurrent use.
type Mapper struct {
	hom     *Homography
	records []Record
}

// NewMapper returns a Mapper over the given calibration
func NewMapper(hom *Homography) *Mapper {
	return &Mapper{hom: hom}
}

// Map projects every detection in the set to the ground plane using the
// bottom center of its box, the point where the object meets the ground,
// and appends the results to the trajectory log
func (m *Mapper) Map(ds detserve.DetectionSet) []Record {

	out := make([]Record, 0, len(ds.Detections))

	for _, det := range ds.Detections {
		x, y := det.Box.BottomCenter()
		img := Point{X: float64(x), Y: float64(y)}

		rec := Record{
			Frame:       ds.Source,
			DetectionID: det.ID,
			TrackID:     det.TrackID,
			ClassName:   det.ClassName,
			Image:       img,
			World:       m.hom.Project(img),
		}

		out = append(out, rec)
		m.records = append(m.records, rec)
	}

	return out
}

// Records returns all accumulated records in insertion order
func (m *Mapper) Records() []Record {
	return m.records
}

// Trajectories groups the accumulated world positions by track ID.
// Untracked records (track ID zero) are excluded.
func (m *Mapper) Trajectories() map[int64][]Point {

	out := make(map[int64][]Point)

	for _, rec := range m.records {
		if rec.TrackID == 0 {
			continue
		}

		out[rec.TrackID] = append(out[rec.TrackID], rec.World)
	}

	return out
}

// Reset discards the accumulated records
func (m *Mapper) Reset() {
	m.records = nil
}

// WriteCSV writes the accumulated records as CSV with a header row
func (m *Mapper) WriteCSV(w io.Writer) error {

	cw := csv.NewWriter(w)

	header := []string{"frame", "track_id", "class", "image_x", "image_y", "world_x", "world_y"}

	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "writing trajectory header")
	}

	for _, rec := range m.records {
		row := []string{
			rec.Frame,
			strconv.FormatInt(rec.TrackID, 10),
			rec.ClassName,
			formatCoord(rec.Image.X),
			formatCoord(rec.Image.Y),
			formatCoord(rec.World.X),
			formatCoord(rec.World.Y),
		}

		if err := cw.Write(row); err != nil {
			return errors.Wrap(err, "writing trajectory row")
		}
	}

	cw.Flush()

	return errors.Wrap(cw.Error(), "flushing trajectories")
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
