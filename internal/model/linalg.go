package model

import (
	"errors"
	"math"
)

// Dense row-major helpers for the small d*d matrices each arm owns.
// d is 12 in production, so plain loops beat any allocation-heavy abstraction.

var errNotPositiveDefinite = errors.New("matrix is not positive definite")

// #region constructors
func scaledIdentity(d int, scale float64) []float64 {
	m := make([]float64, d*d)
	for i := 0; i < d; i++ {
		m[i*d+i] = scale
	}
	return m
}

func cloneFloats(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

func rows(m []float64, d int) [][]float64 {
	out := make([][]float64, d)
	for i := 0; i < d; i++ {
		out[i] = cloneFloats(m[i*d : (i+1)*d])
	}
	return out
}

// #endregion constructors

// #region products
func matVec(m []float64, v []float64, d int) []float64 {
	out := make([]float64, d)
	for i := 0; i < d; i++ {
		var s float64
		row := m[i*d : (i+1)*d]
		for j, x := range v {
			s += row[j] * x
		}
		out[i] = s
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// quadForm returns x^T M x.
func quadForm(m []float64, x []float64, d int) float64 {
	return dot(x, matVec(m, x, d))
}

// #endregion products

// #region rank-one
// addOuter applies A += x x^T.
func addOuter(a []float64, x []float64, d int) {
	for i := 0; i < d; i++ {
		if x[i] == 0 {
			continue
		}
		for j := 0; j < d; j++ {
			a[i*d+j] += x[i] * x[j]
		}
	}
}

// shermanMorrison applies the rank-one inverse update
// A^{-1} <- A^{-1} - (A^{-1} x)(A^{-1} x)^T / (1 + x^T A^{-1} x).
// inv must be symmetric; the result stays symmetric.
func shermanMorrison(inv []float64, x []float64, d int) {
	u := matVec(inv, x, d)
	denom := 1.0 + dot(x, u)
	if denom < 1e-12 {
		denom = 1e-12
	}
	for i := 0; i < d; i++ {
		if u[i] == 0 {
			continue
		}
		for j := 0; j < d; j++ {
			inv[i*d+j] -= u[i] * u[j] / denom
		}
	}
}

// #endregion rank-one

// #region cholesky
// cholesky returns the lower-triangular L with A = L L^T, or errNotPositiveDefinite.
func cholesky(a []float64, d int) ([]float64, error) {
	l := make([]float64, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			s := a[i*d+j]
			for k := 0; k < j; k++ {
				s -= l[i*d+k] * l[j*d+k]
			}
			if i == j {
				if !(s > 0) {
					return nil, errNotPositiveDefinite
				}
				l[i*d+i] = math.Sqrt(s)
				continue
			}
			l[i*d+j] = s / l[j*d+j]
		}
	}
	return l, nil
}

// invertSPD inverts a symmetric positive-definite matrix through its Cholesky factor.
func invertSPD(a []float64, d int) ([]float64, error) {
	l, err := cholesky(a, d)
	if err != nil {
		return nil, err
	}
	inv := make([]float64, d*d)
	col := make([]float64, d)
	y := make([]float64, d)
	for c := 0; c < d; c++ {
		for i := range col {
			col[i] = 0
		}
		col[c] = 1
		// forward solve L y = e_c
		for i := 0; i < d; i++ {
			s := col[i]
			for k := 0; k < i; k++ {
				s -= l[i*d+k] * y[k]
			}
			y[i] = s / l[i*d+i]
		}
		// back solve L^T z = y
		for i := d - 1; i >= 0; i-- {
			s := y[i]
			for k := i + 1; k < d; k++ {
				s -= l[k*d+i] * inv[k*d+c]
			}
			inv[i*d+c] = s / l[i*d+i]
		}
	}
	return inv, nil
}

// #endregion cholesky

// #region checks
func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// identityDrift returns max |(A A^{-1} - I)_ij|.
func identityDrift(a, inv []float64, d int) float64 {
	var worst float64
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			var s float64
			for k := 0; k < d; k++ {
				s += a[i*d+k] * inv[k*d+j]
			}
			if i == j {
				s -= 1
			}
			if abs := math.Abs(s); abs > worst {
				worst = abs
			}
		}
	}
	return worst
}

// #endregion checks
