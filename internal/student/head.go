package student

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when a matrix does not match the head's dimensions.
var ErrShape = errors.New("shape mismatch")

// Head is the trainable dense projection y = W·x + b applied to pooled
// base embeddings. W is out×in, b has length out.
type Head struct {
	W *mat.Dense
	B *mat.VecDense
}

// NewHead creates an in→out head. When in == out the weights start as the
// identity so an untrained student reproduces its base encoder; otherwise
// W is drawn from a Glorot-uniform distribution seeded by seed.
func NewHead(in, out int, seed int64) *Head {
	w := mat.NewDense(out, in, nil)
	if in == out {
		for i := 0; i < in; i++ {
			w.Set(i, i, 1)
		}
	} else {
		rng := rand.New(rand.NewSource(seed))
		limit := math.Sqrt(6 / float64(in+out))
		for i := 0; i < out; i++ {
			for j := 0; j < in; j++ {
				w.Set(i, j, (rng.Float64()*2-1)*limit)
			}
		}
	}
	return &Head{W: w, B: mat.NewVecDense(out, nil)}
}

// In returns the input dimension.
func (h *Head) In() int {
	_, c := h.W.Dims()
	return c
}

// Out returns the output dimension.
func (h *Head) Out() int {
	r, _ := h.W.Dims()
	return r
}

// Forward projects the n×in batch x to an n×out batch.
func (h *Head) Forward(x mat.Matrix) (*mat.Dense, error) {
	n, c := x.Dims()
	if c != h.In() {
		return nil, fmt.Errorf("forward: input has %d columns, head expects %d: %w", c, h.In(), ErrShape)
	}
	y := mat.NewDense(n, h.Out(), nil)
	y.Mul(x, h.W.T())
	for i := 0; i < n; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += h.B.AtVec(j)
		}
	}
	return y, nil
}

// Backward returns the parameter gradients for input batch x given
// dL/dy. gradW is out×in, gradB has length out.
func (h *Head) Backward(x, gradY mat.Matrix) (*mat.Dense, *mat.VecDense, error) {
	n, c := x.Dims()
	gn, gc := gradY.Dims()
	if c != h.In() || gc != h.Out() || gn != n {
		return nil, nil, fmt.Errorf("backward: x %dx%d, grad %dx%d, head %dx%d: %w",
			n, c, gn, gc, h.Out(), h.In(), ErrShape)
	}
	gradW := mat.NewDense(h.Out(), h.In(), nil)
	gradW.Mul(gradY.T(), x)

	gradB := mat.NewVecDense(h.Out(), nil)
	for j := 0; j < gc; j++ {
		gradB.SetVec(j, floats.Sum(mat.Col(nil, j, gradY)))
	}
	return gradW, gradB, nil
}
