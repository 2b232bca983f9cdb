package coord

// Point is a position in millimeters.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Point) Equal(b Point) bool {
	return p.X == b.X && p.Y == b.Y && p.Z == b.Z
}

// Add will add the target values to p.
func (p Point) Add(target Point) Point {
	p.X += target.X
	p.Y += target.Y
	p.Z += target.Z
	return p
}

// Axis returns the value of the named axis ('x', 'y' or 'z').
func (p Point) Axis(a byte) float64 {
	switch a {
	case 'x', 'X':
		return p.X
	case 'y', 'Y':
		return p.Y
	case 'z', 'Z':
		return p.Z
	}
	return 0
}

// WithAxis returns a copy of p with the named axis set to val.
//
// Unknown axis names leave p unchanged.
func (p Point) WithAxis(a byte, val float64) Point {
	switch a {
	case 'x', 'X':
		p.X = val
	case 'y', 'Y':
		p.Y = val
	case 'z', 'Z':
		p.Z = val
	}
	return p
}

// Merge returns p with the first len(vals) axes replaced, in X, Y, Z order.
//
// Axes beyond len(vals) keep their value from p, extra values are ignored.
func (p Point) Merge(vals []float64) Point {
	for i, v := range vals {
		switch i {
		case 0:
			p.X = v
		case 1:
			p.Y = v
		case 2:
			p.Z = v
		}
	}
	return p
}
