package sutils

import "math"

// Mean returns the arithmetic mean of values, 0 for no values
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the sample standard deviation (n-1), 0 for fewer than
// two values
func StdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	mean := Mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n-1))
}

// RollingWindow keeps the last Size values. Not safe for concurrent use
type RollingWindow struct {
	Size   int
	values []float64
	next   int
}

func NewRollingWindow(size int) *RollingWindow {
	return &RollingWindow{Size: size, values: make([]float64, 0, size)}
}

func (w *RollingWindow) Add(v float64) {
	if w.Size <= 0 {
		return
	}
	if len(w.values) < w.Size {
		w.values = append(w.values, v)
		return
	}
	w.values[w.next] = v
	w.next = (w.next + 1) % w.Size
}

func (w *RollingWindow) Mean() float64 {
	return Mean(w.values)
}

func (w *RollingWindow) Len() int {
	return len(w.values)
}
