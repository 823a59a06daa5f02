package board

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicateID is returned by AddElement when the id already exists
// anywhere in the document.
var ErrDuplicateID = errors.New("duplicate element id")

// Document is the full contents of one whiteboard: three ordered element
// collections. Documents held in a room's history are immutable; every
// operation here returns a new Document and leaves its input untouched.
type Document struct {
	Strokes []Stroke `json:"strokes"`
	Shapes  []Shape  `json:"shapes"`
	Texts   []Text   `json:"texts"`
}

// NewDocument returns an empty document. Collections are allocated so the
// empty document marshals as {"strokes":[],"shapes":[],"texts":[]} rather
// than nulls.
func NewDocument() *Document {
	return &Document{
		Strokes: []Stroke{},
		Shapes:  []Shape{},
		Texts:   []Text{},
	}
}

// Clone returns a deep copy. Nil collections (a document decoded from JSON
// that omitted a field) come back as empty slices.
func (d *Document) Clone() *Document {
	out := &Document{
		Strokes: make([]Stroke, len(d.Strokes)),
		Shapes:  make([]Shape, len(d.Shapes)),
		Texts:   make([]Text, len(d.Texts)),
	}
	copy(out.Shapes, d.Shapes)
	copy(out.Texts, d.Texts)
	for i, s := range d.Strokes {
		s.Points = append(make([]Point, 0, len(s.Points)), s.Points...)
		out.Strokes[i] = s
	}
	return out
}

// Len returns the total element count across all collections.
func (d *Document) Len() int {
	return len(d.Strokes) + len(d.Shapes) + len(d.Texts)
}

// HasElement reports whether any collection contains the id.
func (d *Document) HasElement(id ElementID) bool {
	for _, s := range d.Strokes {
		if s.ID == id {
			return true
		}
	}
	for _, s := range d.Shapes {
		if s.ID == id {
			return true
		}
	}
	for _, t := range d.Texts {
		if t.ID == id {
			return true
		}
	}
	return false
}

// AddElement returns a new document with el appended to its collection.
// The element must be a Stroke, Shape, or Text value carrying an id; adding
// an id that already exists fails with ErrDuplicateID.
func (d *Document) AddElement(el Element) (*Document, error) {
	if el.GetID() == "" {
		return nil, errors.New("element id must be assigned before insertion")
	}
	if d.HasElement(el.GetID()) {
		return nil, ErrDuplicateID
	}

	out := d.Clone()
	switch v := el.(type) {
	case Stroke:
		out.Strokes = append(out.Strokes, v)
	case Shape:
		out.Shapes = append(out.Shapes, v)
	case Text:
		out.Texts = append(out.Texts, v)
	default:
		return nil, fmt.Errorf("unsupported element type %T", el)
	}
	return out, nil
}

// RemoveElement returns a new document with the id removed from whichever
// collection contains it. Unknown ids are a no-op: the input document is
// returned unchanged with changed=false.
func (d *Document) RemoveElement(id ElementID) (*Document, bool) {
	if !d.HasElement(id) {
		return d, false
	}

	out := d.Clone()
	for i, s := range out.Strokes {
		if s.ID == id {
			out.Strokes = append(out.Strokes[:i], out.Strokes[i+1:]...)
			return out, true
		}
	}
	for i, s := range out.Shapes {
		if s.ID == id {
			out.Shapes = append(out.Shapes[:i], out.Shapes[i+1:]...)
			return out, true
		}
	}
	for i, t := range out.Texts {
		if t.ID == id {
			out.Texts = append(out.Texts[:i], out.Texts[i+1:]...)
			return out, true
		}
	}
	return d, false
}

// MaxCreatedAt returns the highest creation counter in the document, or 0
// for an empty document. A room loading a persisted document resumes its
// counter above this value so new elements keep sorting after existing ones.
func (d *Document) MaxCreatedAt() int64 {
	var max int64
	for _, s := range d.Strokes {
		if s.CreatedAt > max {
			max = s.CreatedAt
		}
	}
	for _, s := range d.Shapes {
		if s.CreatedAt > max {
			max = s.CreatedAt
		}
	}
	for _, t := range d.Texts {
		if t.CreatedAt > max {
			max = t.CreatedAt
		}
	}
	return max
}

// RenderOrder merges the three collections into the total paint order:
// ascending created_at, ties broken by id. Deterministic for any document,
// including documents rebuilt from persisted JSON.
func (d *Document) RenderOrder() []Element {
	out := make([]Element, 0, d.Len())
	for _, s := range d.Strokes {
		out = append(out, s)
	}
	for _, s := range d.Shapes {
		out = append(out, s)
	}
	for _, t := range d.Texts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GetCreatedAt() != out[j].GetCreatedAt() {
			return out[i].GetCreatedAt() < out[j].GetCreatedAt()
		}
		return out[i].GetID() < out[j].GetID()
	})
	return out
}
