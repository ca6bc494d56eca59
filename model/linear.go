/*
 * Linear regression primitives for the learned index. Every node, leaf or
 * inner, predicts a position as clamp(round(slope*x + intercept)) and then
 * searches only within the tracked error bound around the prediction.
 */

package model

import (
	"math"
)

// Linear is a least-squares linear model trained on (key, position) pairs.
// Epsilon is the maximum absolute prediction error observed over the
// training points; it is an honest upper bound until the next Train, and
// IncrementalUpdate may only widen it.
type Linear struct {
	Slope     float64
	Intercept float64
	Epsilon   float64
	MinY      float64
	MaxY      float64
	Count     int
}

// Point is one training sample: X is the numeric projection of a key and Y
// its position.
type Point struct {
	X float64
	Y float64
}

// Train fits the model over pts via closed-form least squares and recomputes
// Epsilon. A degenerate set (all X equal) yields a flat model (0, meanY) with
// Epsilon = (maxY-minY)/2.
func (m *Linear) Train(pts []Point) {
	m.Count = len(pts)
	if len(pts) == 0 {
		m.Slope, m.Intercept, m.Epsilon = 0, 0, 0
		m.MinY, m.MaxY = 0, 0
		return
	}
	if len(pts) == 1 {
		m.Slope = 0
		m.Intercept = pts[0].Y
		m.Epsilon = 0
		m.MinY, m.MaxY = pts[0].Y, pts[0].Y
		return
	}

	var sumX, sumY, sumXY, sumX2 float64
	minY, maxY := pts[0].Y, pts[0].Y
	for _, p := range pts {
		sumX += p.X
		sumY += p.Y
		sumXY += p.X * p.Y
		sumX2 += p.X * p.X
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	m.MinY, m.MaxY = minY, maxY

	n := float64(len(pts))
	denom := n*sumX2 - sumX*sumX
	if math.Abs(denom) < 1e-10 {
		// All keys project to the same X.
		m.Slope = 0
		m.Intercept = sumY / n
		m.Epsilon = (maxY - minY) / 2
		return
	}
	m.Slope = (n*sumXY - sumX*sumY) / denom
	m.Intercept = (sumY - m.Slope*sumX) / n

	var eps float64
	for _, p := range pts {
		if e := math.Abs(m.Slope*p.X + m.Intercept - p.Y); e > eps {
			eps = e
		}
	}
	m.Epsilon = eps
}

// Predict returns the predicted position for x, clamped to [0, capacity-1].
func (m *Linear) Predict(x float64, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	p := int(math.Round(m.Slope*x + m.Intercept))
	if p < 0 {
		return 0
	}
	if p >= capacity {
		return capacity - 1
	}
	return p
}

// ErrorBound returns the current epsilon, rounded up to whole slots.
func (m *Linear) ErrorBound() int {
	return int(math.Ceil(m.Epsilon))
}

// Window returns the inclusive slot range [lo, hi] that must contain x's
// true position if x was a training point, clamped to [0, capacity).
func (m *Linear) Window(x float64, capacity int) (lo, hi int) {
	p := m.Predict(x, capacity)
	eps := m.ErrorBound()
	lo, hi = p-eps, p+eps
	if lo < 0 {
		lo = 0
	}
	if hi >= capacity {
		hi = capacity - 1
	}
	return lo, hi
}

// IncrementalUpdate folds one new observation into the model without a full
// refit. The fit itself is untouched; only Epsilon and the Y clamp widen so
// the bound stays honest. A full Train is the only way Epsilon narrows.
func (m *Linear) IncrementalUpdate(p Point) {
	if e := math.Abs(m.Slope*p.X + m.Intercept - p.Y); e > m.Epsilon {
		m.Epsilon = e
	}
	if m.Count == 0 || p.Y < m.MinY {
		m.MinY = p.Y
	}
	if m.Count == 0 || p.Y > m.MaxY {
		m.MaxY = p.Y
	}
	m.Count++
}
