package main

import (
	"math"
	"math/rand"
	"testing"
)

// numericalGrad approximates dF/dx[i] with central differences.
func numericalGrad(x *Tensor, i int, f func() float64) float64 {
	const h = 1e-6
	orig := x.data[i]

	x.data[i] = orig + h
	plus := f()
	x.data[i] = orig - h
	minus := f()
	x.data[i] = orig

	return (plus - minus) / (2 * h)
}

func TestGELUBackwardMatchesNumerical(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := NewTensor(2, 5)
	for i := range x.data {
		x.data[i] = rng.NormFloat64()
	}

	// Loss is the sum of the GELU outputs, so gradY is all ones.
	gradY := NewTensor(2, 5)
	for i := range gradY.data {
		gradY.data[i] = 1
	}
	gradX := GELUBackward(x, gradY)

	sumGELU := func() float64 {
		y := GELU(x)
		s := 0.0
		for _, v := range y.data {
			s += v
		}
		return s
	}

	for i := range x.data {
		want := numericalGrad(x, i, sumGELU)
		if math.Abs(gradX.data[i]-want) > 1e-5 {
			t.Errorf("gradX[%d] = %v, numerical %v", i, gradX.data[i], want)
		}
	}
}

func TestSoftmaxBackwardMatchesNumerical(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := NewTensor(2, 4)
	for i := range x.data {
		x.data[i] = rng.NormFloat64()
	}

	// Weighted sum of softmax outputs as the scalar loss.
	weights := make([]float64, len(x.data))
	for i := range weights {
		weights[i] = rng.NormFloat64()
	}
	loss := func() float64 {
		y := Softmax(x)
		s := 0.0
		for i, v := range y.data {
			s += weights[i] * v
		}
		return s
	}

	y := Softmax(x)
	gradY := NewTensor(2, 4)
	copy(gradY.data, weights)
	gradX := SoftmaxBackward(y, gradY)

	for i := range x.data {
		want := numericalGrad(x, i, loss)
		if math.Abs(gradX.data[i]-want) > 1e-5 {
			t.Errorf("gradX[%d] = %v, numerical %v", i, gradX.data[i], want)
		}
	}
}

func TestLayerNormBackwardMatchesNumerical(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const eps = 1e-12

	x := NewTensor(3, 6)
	for i := range x.data {
		x.data[i] = rng.NormFloat64()
	}

	ln := NewLayerNorm(6, eps)
	for i := range ln.gamma.data {
		ln.gamma.data[i] = 1 + 0.1*rng.NormFloat64()
		ln.beta.data[i] = 0.1 * rng.NormFloat64()
	}

	weights := make([]float64, x.Size())
	for i := range weights {
		weights[i] = rng.NormFloat64()
	}
	loss := func() float64 {
		y := ln.Forward(x)
		s := 0.0
		for i, v := range y.data {
			s += weights[i] * v
		}
		return s
	}

	gradY := NewTensor(3, 6)
	copy(gradY.data, weights)
	gradX, gradGamma, gradBeta := LayerNormBackward(x, ln.gamma, gradY, eps)

	for i := range x.data {
		want := numericalGrad(x, i, loss)
		if math.Abs(gradX.data[i]-want) > 1e-4 {
			t.Errorf("gradX[%d] = %v, numerical %v", i, gradX.data[i], want)
		}
	}
	for i := range ln.gamma.data {
		want := numericalGrad(ln.gamma, i, loss)
		if math.Abs(gradGamma.data[i]-want) > 1e-4 {
			t.Errorf("gradGamma[%d] = %v, numerical %v", i, gradGamma.data[i], want)
		}
		want = numericalGrad(ln.beta, i, loss)
		if math.Abs(gradBeta.data[i]-want) > 1e-4 {
			t.Errorf("gradBeta[%d] = %v, numerical %v", i, gradBeta.data[i], want)
		}
	}
}

func TestMatMulBackwardMatchesNumerical(t *testing.T) {
	rng := rand.New(rand.NewSource(6))

	a := NewTensor(2, 3)
	b := NewTensor(3, 4)
	for i := range a.data {
		a.data[i] = rng.NormFloat64()
	}
	for i := range b.data {
		b.data[i] = rng.NormFloat64()
	}

	loss := func() float64 {
		c := MatMul(a, b)
		s := 0.0
		for _, v := range c.data {
			s += v
		}
		return s
	}

	gradC := NewTensor(2, 4)
	for i := range gradC.data {
		gradC.data[i] = 1
	}
	gradA, gradB := MatMulBackward(a, b, gradC)

	for i := range a.data {
		want := numericalGrad(a, i, loss)
		if math.Abs(gradA.data[i]-want) > 1e-5 {
			t.Errorf("gradA[%d] = %v, numerical %v", i, gradA.data[i], want)
		}
	}
	for i := range b.data {
		want := numericalGrad(b, i, loss)
		if math.Abs(gradB.data[i]-want) > 1e-5 {
			t.Errorf("gradB[%d] = %v, numerical %v", i, gradB.data[i], want)
		}
	}
}
