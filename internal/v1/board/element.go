package board

import (
	"errors"
	"fmt"
)

// --- Core Domain Types ---

// RoomID identifies one collaborative whiteboard.
type RoomID string

// SessionID identifies one connected client. Assigned by the server at
// connection time; element authorship is recorded against it.
type SessionID string

// ElementID identifies one element. Assigned by the server, unique within
// the process, immutable once assigned.
type ElementID string

// Point is a 2D coordinate. It marshals as a two-element JSON array [x, y].
type Point [2]float64

// X returns the horizontal coordinate.
func (p Point) X() float64 { return p[0] }

// Y returns the vertical coordinate.
func (p Point) Y() float64 { return p[1] }

// StrokeMode distinguishes ink strokes from eraser strokes.
type StrokeMode string

const (
	ModeInk   StrokeMode = "ink"
	ModeErase StrokeMode = "erase"
)

// ShapeKind enumerates the supported shape primitives.
type ShapeKind string

const (
	ShapeRectangle ShapeKind = "rectangle"
	ShapeEllipse   ShapeKind = "ellipse"
	ShapeArrow     ShapeKind = "arrow"
	ShapeSegment   ShapeKind = "segment"
)

// Validation limits. Payloads beyond these are rejected before they reach a
// document.
const (
	MaxStrokePoints = 8192
	MaxTextLength   = 4096
)

// --- Elements ---

// Meta carries the server-assigned fields shared by every element variant.
// CreatedAt is a per-room monotonic counter, not wall time, so render order
// is stable across replays.
type Meta struct {
	ID        ElementID `json:"id"`
	Author    SessionID `json:"author"`
	CreatedAt int64     `json:"created_at"`
}

// GetID returns the element id.
func (m Meta) GetID() ElementID { return m.ID }

// GetAuthor returns the session id that submitted the element.
func (m Meta) GetAuthor() SessionID { return m.Author }

// GetCreatedAt returns the room-monotonic creation counter.
func (m Meta) GetCreatedAt() int64 { return m.CreatedAt }

// Element is the common view over the three variants. Concrete values are
// always Stroke, Shape, or Text.
type Element interface {
	GetID() ElementID
	GetAuthor() SessionID
	GetCreatedAt() int64
}

// Stroke is a freehand path drawn with the pen or eraser tool.
type Stroke struct {
	Meta
	Points      []Point    `json:"points"`
	Color       string     `json:"color"`
	StrokeWidth float64    `json:"stroke_width"`
	Mode        StrokeMode `json:"mode"`
}

// Shape is a geometric primitive anchored by two points.
type Shape struct {
	Meta
	Kind        ShapeKind `json:"kind"`
	From        Point     `json:"from"`
	To          Point     `json:"to"`
	Color       string    `json:"color"`
	StrokeWidth float64   `json:"stroke_width"`
	Fill        string    `json:"fill,omitempty"`
}

// Text is a string anchored at a single point.
type Text struct {
	Meta
	Anchor     Point   `json:"anchor"`
	Text       string  `json:"text"`
	FontSize   float64 `json:"font_size"`
	FontFamily string  `json:"font_family"`
	Color      string  `json:"color"`
}

// Validate ensures a stroke payload is safe to store.
func (s Stroke) Validate() error {
	if len(s.Points) == 0 {
		return errors.New("stroke must contain at least one point")
	}
	if len(s.Points) > MaxStrokePoints {
		return fmt.Errorf("stroke cannot exceed %d points", MaxStrokePoints)
	}
	if s.Mode != ModeInk && s.Mode != ModeErase {
		return fmt.Errorf("unknown stroke mode %q", s.Mode)
	}
	if s.StrokeWidth <= 0 {
		return errors.New("stroke width must be positive")
	}
	return nil
}

// Validate ensures a shape payload is safe to store.
func (s Shape) Validate() error {
	switch s.Kind {
	case ShapeRectangle, ShapeEllipse, ShapeArrow, ShapeSegment:
	default:
		return fmt.Errorf("unknown shape kind %q", s.Kind)
	}
	if s.StrokeWidth <= 0 {
		return errors.New("stroke width must be positive")
	}
	return nil
}

// Validate ensures a text payload is safe to store.
func (t Text) Validate() error {
	if t.Text == "" {
		return errors.New("text cannot be empty")
	}
	if len(t.Text) > MaxTextLength {
		return fmt.Errorf("text cannot exceed %d characters", MaxTextLength)
	}
	if t.FontSize <= 0 {
		return errors.New("font size must be positive")
	}
	return nil
}
