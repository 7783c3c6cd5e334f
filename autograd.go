package main

import "math"

// Backward counterparts for the tensor operations used in the forward pass.
// Each follows the chain rule: given the gradient of the loss with respect
// to an operation's output, produce the gradients with respect to its
// inputs and parameters.

// MatMulBackward computes gradients for C = A @ B:
//
//	gradA = gradC @ B^T
//	gradB = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// GELUBackward computes the gradient of the tanh-approximated GELU given
// the pre-activation input x and the gradient flowing into the output.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)

		sech2 := 1.0 - tanhInner*tanhInner
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*sech2*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}
	return gradX
}

// SoftmaxBackward computes the gradient through a row-wise softmax given
// its output y:
//
//	gradX[i] = y[i] * (gradY[i] - sum_j gradY[j]*y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("autograd: SoftmaxBackward requires 2D tensor")
	}

	rows, cols := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for r := 0; r < rows; r++ {
		dot := 0.0
		for c := 0; c < cols; c++ {
			dot += gradY.data[r*cols+c] * y.data[r*cols+c]
		}
		for c := 0; c < cols; c++ {
			gradX.data[r*cols+c] = y.data[r*cols+c] * (gradY.data[r*cols+c] - dot)
		}
	}
	return gradX
}

// LayerNormBackward computes gradients through y = gamma*(x-mean)/std + beta,
// normalizing over the last dimension of a 2D input. The statistics are
// recomputed from x rather than cached; they are cheap relative to the
// matmuls on either side.
func LayerNormBackward(x, gamma, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("autograd: LayerNormBackward requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(gamma.shape...)
	gradBeta = NewTensor(gamma.shape...)

	n := float64(cols)

	for r := 0; r < rows; r++ {
		mean := 0.0
		for c := 0; c < cols; c++ {
			mean += x.data[r*cols+c]
		}
		mean /= n

		variance := 0.0
		for c := 0; c < cols; c++ {
			diff := x.data[r*cols+c] - mean
			variance += diff * diff
		}
		variance /= n
		std := math.Sqrt(variance + epsilon)

		sumGrad := 0.0
		sumGradXNorm := 0.0
		for c := 0; c < cols; c++ {
			xNorm := (x.data[r*cols+c] - mean) / std
			g := gradY.data[r*cols+c]

			gradGamma.data[c] += g * xNorm
			gradBeta.data[c] += g

			gNorm := g * gamma.data[c]
			sumGrad += gNorm
			sumGradXNorm += gNorm * xNorm
		}

		for c := 0; c < cols; c++ {
			xNorm := (x.data[r*cols+c] - mean) / std
			gNorm := gradY.data[r*cols+c] * gamma.data[c]
			gradX.data[r*cols+c] = (n*gNorm - sumGrad - xNorm*sumGradXNorm) / (n * std)
		}
	}

	return gradX, gradGamma, gradBeta
}

// AccumulateGrad adds grad into the tensor's gradient buffer. Used whenever
// a parameter contributes to the loss through more than one path.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("autograd: AccumulateGrad shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
