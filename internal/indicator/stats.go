package indicator

import (
	"math"
	"slices"
)

// RegressionSlope returns the least-squares slope of ys against x = 0..n-1.
func RegressionSlope(ys []float64) float64 {
	n := len(ys)
	if n < 2 {
		return 0
	}
	xMean := float64(n-1) / 2
	yMean := 0.0
	for _, y := range ys {
		yMean += y
	}
	yMean /= float64(n)

	var num, den float64
	for i, y := range ys {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	return num / den
}

// ZScore returns (x - mean) / stddev of prior (population), or 0 when
// prior has fewer than two values or no spread.
func ZScore(x float64, prior []float64) float64 {
	n := len(prior)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range prior {
		mean += v
	}
	mean /= float64(n)

	variance := 0.0
	for _, v := range prior {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(n))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return (x - mean) / std
}

// Median returns the median of vs, 0 for an empty slice. vs is not modified.
func Median(vs []float64) float64 {
	n := len(vs)
	if n == 0 {
		return 0
	}
	s := append([]float64(nil), vs...)
	slices.Sort(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
