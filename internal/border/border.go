package border

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
)

// Type discriminates the two parametric border forms.
type Type string

const (
	TypeCircle  Type = "circle"
	TypeEllipse Type = "ellipse"
)

// Point is a pixel position in original-image coordinates.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Axes holds the semi-axes of an ellipse, major >= minor.
type Axes struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// Border is a detected disc outline: a circle or an ellipse, with a
// normalized confidence. Radius is set for circles; Axes and Angle for
// ellipses. Angle is the rotation of the major axis in degrees from the
// image x-axis.
type Border struct {
	Type       Type    `json:"type"`
	Center     Point   `json:"center"`
	Radius     int     `json:"radius,omitempty"`
	Axes       *Axes   `json:"axes,omitempty"`
	Angle      float64 `json:"angle,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Circle builds a circular border.
func Circle(x, y, r int, confidence float64) *Border {
	return &Border{
		Type:       TypeCircle,
		Center:     Point{X: x, Y: y},
		Radius:     r,
		Confidence: confidence,
	}
}

// Ellipse builds an elliptical border. Semi-axes are normalized so that
// major >= minor, rotating the angle by 90 degrees when swapped.
func Ellipse(x, y, semiMajor, semiMinor int, angle, confidence float64) *Border {
	if semiMinor > semiMajor {
		semiMajor, semiMinor = semiMinor, semiMajor
		angle = math.Mod(angle+90, 180)
	}
	return &Border{
		Type:       TypeEllipse,
		Center:     Point{X: x, Y: y},
		Axes:       &Axes{Major: semiMajor, Minor: semiMinor},
		Angle:      angle,
		Confidence: confidence,
	}
}

// Validate checks structural invariants before a border is applied or stored.
func (b *Border) Validate() error {
	switch b.Type {
	case TypeCircle:
		if b.Radius <= 0 {
			return fmt.Errorf("circle border: radius must be positive, got %d", b.Radius)
		}
	case TypeEllipse:
		if b.Axes == nil {
			return fmt.Errorf("ellipse border: axes missing")
		}
		if b.Axes.Major <= 0 || b.Axes.Minor <= 0 {
			return fmt.Errorf("ellipse border: axes must be positive, got (%d, %d)", b.Axes.Major, b.Axes.Minor)
		}
		if b.Axes.Major < b.Axes.Minor {
			return fmt.Errorf("ellipse border: major axis %d < minor axis %d", b.Axes.Major, b.Axes.Minor)
		}
	default:
		return fmt.Errorf("unknown border type: %q", b.Type)
	}
	if b.Confidence < 0 || b.Confidence > 1 {
		return fmt.Errorf("border confidence must be in [0, 1], got %g", b.Confidence)
	}
	return nil
}

// BoundingBox returns the axis-aligned bounding box of the border clamped
// to an image of the given size. For an ellipse the box covers the rotated
// extent of the shape.
func (b *Border) BoundingBox(width, height int) image.Rectangle {
	var halfW, halfH int
	switch b.Type {
	case TypeCircle:
		halfW, halfH = b.Radius, b.Radius
	case TypeEllipse:
		// Extent of a rotated ellipse along each image axis.
		rad := b.Angle * math.Pi / 180
		a := float64(b.Axes.Major)
		c := float64(b.Axes.Minor)
		cos, sin := math.Cos(rad), math.Sin(rad)
		halfW = int(math.Ceil(math.Sqrt(a*a*cos*cos + c*c*sin*sin)))
		halfH = int(math.Ceil(math.Sqrt(a*a*sin*sin + c*c*cos*cos)))
	}
	box := image.Rect(b.Center.X-halfW, b.Center.Y-halfH, b.Center.X+halfW, b.Center.Y+halfH)
	return box.Intersect(image.Rect(0, 0, width, height))
}

// MarshalDB serializes the border for the JSON database column.
func (b *Border) MarshalDB() ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalDB parses a border from the JSON database column. Returns nil
// for empty input (image rows encoded from the full image carry no border).
func UnmarshalDB(data []byte) (*Border, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var b Border
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse border record: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
