package layout

// Package layout defines the persisted per-page layout document: the ordered
// set of segmented regions, their bounding boxes in original-image pixel
// space, and the recognition state attached to each region.

import (
	"encoding/json"
	"fmt"
	"image"
)

// RegionKind classifies a segmented region.
type RegionKind string

const (
	KindText   RegionKind = "text"
	KindTitle  RegionKind = "title"
	KindTable  RegionKind = "table"
	KindFigure RegionKind = "figure"
)

// Status tracks the recognition lifecycle of a region.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRecognized Status = "recognized"
	StatusFailed     Status = "failed"
)

// Box is an axis-aligned bounding box in original-image pixel coordinates.
// It serializes as the four-element array [x0, y0, x1, y1].
type Box struct {
	X0, Y0, X1, Y1 int
}

// MarshalJSON encodes the box as [x0, y0, x1, y1].
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X0, b.Y0, b.X1, b.Y1})
}

// UnmarshalJSON decodes a four-element coordinate array.
func (b *Box) UnmarshalJSON(data []byte) error {
	var arr [4]int
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("bbox must be [x0,y0,x1,y1]: %w", err)
	}
	b.X0, b.Y0, b.X1, b.Y1 = arr[0], arr[1], arr[2], arr[3]
	return nil
}

// Width returns the horizontal extent of the box.
func (b Box) Width() int { return b.X1 - b.X0 }

// Height returns the vertical extent of the box.
func (b Box) Height() int { return b.Y1 - b.Y0 }

// Empty reports whether the box encloses no pixels.
func (b Box) Empty() bool { return b.X1 <= b.X0 || b.Y1 <= b.Y0 }

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle { return image.Rect(b.X0, b.Y0, b.X1, b.Y1) }

// Clamp restricts the box to the image bounds [0,0,width,height].
func (b Box) Clamp(width, height int) Box {
	c := b
	if c.X0 < 0 {
		c.X0 = 0
	}
	if c.Y0 < 0 {
		c.Y0 = 0
	}
	if c.X1 > width {
		c.X1 = width
	}
	if c.Y1 > height {
		c.Y1 = height
	}
	return c
}

// Unscale maps a box measured on an image downscaled by ratio back into
// original-image coordinates. A ratio of 1 is the identity.
func (b Box) Unscale(ratio float64) Box {
	if ratio == 1 || ratio <= 0 {
		return b
	}
	return Box{
		X0: int(float64(b.X0) / ratio),
		Y0: int(float64(b.Y0) / ratio),
		X1: int(float64(b.X1) / ratio),
		Y1: int(float64(b.Y1) / ratio),
	}
}

// DetectedRegion is one region as returned by a layout capability, before it
// is assigned an identity within a page document. Text carries any transcript
// the capability returned alongside the box; it is advisory only.
type DetectedRegion struct {
	Box  Box
	Kind RegionKind
	Text string
}

// Analysis is the full output of one layout capability call: the detected
// regions plus, when the service produces one, its own markdown transcript of
// the page (kept for reference, never merged).
type Analysis struct {
	Regions    []DetectedRegion
	Transcript string
}

// Region is one segmented sub-area of a page. The order index is assigned at
// segmentation time and never renumbered; the box always refers to the
// original image regardless of any request-time downscaling.
type Region struct {
	ID         string     `json:"id"`
	Kind       RegionKind `json:"region_type"`
	Box        Box        `json:"bbox"`
	Confidence float64    `json:"confidence"`
	Order      int        `json:"order"`
	ImageFile  string     `json:"image_file"`
	Text       string     `json:"text,omitempty"`
	Status     Status     `json:"status"`
}

// HasText reports whether the region carries recognized text.
func (r *Region) HasText() bool { return r.Status == StatusRecognized && r.Text != "" }

// Document is the persisted aggregate for one page.
type Document struct {
	ImageName    string   `json:"image_name"`
	ImageSize    [2]int   `json:"image_size"`
	TotalRegions int      `json:"total_regions"`
	Regions      []Region `json:"regions"`
}

// RegionID formats the stable region identifier for a zero-based order index.
func RegionID(order int) string {
	return fmt.Sprintf("%04d", order+1)
}

// NewDocument builds a document for a page from detected regions, assigning
// identities in detection order.
func NewDocument(name string, width, height int, detected []DetectedRegion) *Document {
	doc := &Document{
		ImageName:    name,
		ImageSize:    [2]int{width, height},
		TotalRegions: len(detected),
		Regions:      make([]Region, 0, len(detected)),
	}
	for i, d := range detected {
		id := RegionID(i)
		doc.Regions = append(doc.Regions, Region{
			ID:         id,
			Kind:       d.Kind,
			Box:        d.Box,
			Confidence: 1.0,
			Order:      i,
			ImageFile:  "regions/" + id + ".jpg",
			Status:     StatusPending,
		})
	}
	return doc
}

// Width returns the original page width in pixels.
func (d *Document) Width() int { return d.ImageSize[0] }

// Height returns the original page height in pixels.
func (d *Document) Height() int { return d.ImageSize[1] }

// Region returns the region with the given ID, or nil.
func (d *Document) Region(id string) *Region {
	for i := range d.Regions {
		if d.Regions[i].ID == id {
			return &d.Regions[i]
		}
	}
	return nil
}

// Unrecognized returns the regions still lacking text, in order.
func (d *Document) Unrecognized() []*Region {
	var out []*Region
	for i := range d.Regions {
		if !d.Regions[i].HasText() {
			out = append(out, &d.Regions[i])
		}
	}
	return out
}

// SetText records recognized text for a region. Text fields populate
// monotonically: an empty result never clears previously recognized text.
func (d *Document) SetText(id, text string) error {
	r := d.Region(id)
	if r == nil {
		return fmt.Errorf("no region %q in page %s", id, d.ImageName)
	}
	if text == "" {
		if r.Status != StatusRecognized {
			r.Status = StatusFailed
		}
		return nil
	}
	r.Text = text
	r.Status = StatusRecognized
	return nil
}

// MarkFailed flags a region whose recognition permanently failed.
func (d *Document) MarkFailed(id string) {
	if r := d.Region(id); r != nil && r.Status != StatusRecognized {
		r.Status = StatusFailed
	}
}

// Validate checks the structural invariants every reader relies on: at least
// one region, unique contiguous order indices, and non-empty boxes.
func (d *Document) Validate() error {
	if d.ImageName == "" {
		return fmt.Errorf("layout document missing image name")
	}
	if len(d.Regions) == 0 {
		return fmt.Errorf("layout document for %s has no regions", d.ImageName)
	}
	seen := make(map[int]bool, len(d.Regions))
	for i := range d.Regions {
		r := &d.Regions[i]
		if r.Order < 0 || r.Order >= len(d.Regions) {
			return fmt.Errorf("region %s: order %d out of range", r.ID, r.Order)
		}
		if seen[r.Order] {
			return fmt.Errorf("region %s: duplicate order %d", r.ID, r.Order)
		}
		seen[r.Order] = true
		if r.Box.Empty() {
			return fmt.Errorf("region %s: empty bounding box", r.ID)
		}
	}
	return nil
}
