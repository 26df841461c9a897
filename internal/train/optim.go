package train

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hyperengineering/distil/internal/student"
)

// MSELoss returns the mean squared error over every element of pred and
// target, and its gradient with respect to pred.
func MSELoss(pred, target mat.Matrix) (float64, *mat.Dense, error) {
	r, c := pred.Dims()
	tr, tc := target.Dims()
	if r != tr || c != tc {
		return 0, nil, fmt.Errorf("mse: prediction %dx%d, target %dx%d: %w", r, c, tr, tc, student.ErrShape)
	}
	diff := mat.NewDense(r, c, nil)
	diff.Sub(pred, target)

	n := float64(r * c)
	var sum float64
	for i := 0; i < r; i++ {
		for _, d := range diff.RawRowView(i) {
			sum += d * d
		}
	}
	diff.Scale(2/n, diff)
	return sum / n, diff, nil
}

// ClipGradNorm rescales gradW and gradB in place so their joint L2 norm
// is at most maxNorm, and returns the norm before clipping.
func ClipGradNorm(maxNorm float64, gradW *mat.Dense, gradB *mat.VecDense) float64 {
	wn := mat.Norm(gradW, 2)
	bn := mat.Norm(gradB, 2)
	total := math.Sqrt(wn*wn + bn*bn)
	if maxNorm > 0 && total > maxNorm {
		scale := maxNorm / (total + 1e-6)
		gradW.Scale(scale, gradW)
		gradB.ScaleVec(scale, gradB)
	}
	return total
}

// AdamW implements Adam with decoupled weight decay and bias correction.
// The bias vector is exempt from decay.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64

	step   int
	mW, vW *mat.Dense
	mB, vB *mat.VecDense
}

// NewAdamW creates an optimizer with the usual betas of 0.9 and 0.999.
func NewAdamW(epsilon, weightDecay float64) *AdamW {
	return &AdamW{Beta1: 0.9, Beta2: 0.999, Epsilon: epsilon, WeightDecay: weightDecay}
}

// Steps returns the number of updates applied so far.
func (o *AdamW) Steps() int { return o.step }

// Step applies one update to head with learning rate lr.
func (o *AdamW) Step(head *student.Head, gradW *mat.Dense, gradB *mat.VecDense, lr float64) {
	if o.mW == nil {
		r, c := head.W.Dims()
		o.mW = mat.NewDense(r, c, nil)
		o.vW = mat.NewDense(r, c, nil)
		o.mB = mat.NewVecDense(head.B.Len(), nil)
		o.vB = mat.NewVecDense(head.B.Len(), nil)
	}
	o.step++
	c1 := 1 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.Beta2, float64(o.step))
	stepSize := lr * math.Sqrt(c2) / c1

	w := head.W.RawMatrix()
	g := gradW.RawMatrix()
	m := o.mW.RawMatrix()
	v := o.vW.RawMatrix()
	for i := 0; i < w.Rows; i++ {
		for j := 0; j < w.Cols; j++ {
			wi, gi := i*w.Stride+j, i*g.Stride+j
			mi, vi := i*m.Stride+j, i*v.Stride+j
			m.Data[mi] = o.Beta1*m.Data[mi] + (1-o.Beta1)*g.Data[gi]
			v.Data[vi] = o.Beta2*v.Data[vi] + (1-o.Beta2)*g.Data[gi]*g.Data[gi]
			if o.WeightDecay > 0 {
				w.Data[wi] *= 1 - lr*o.WeightDecay
			}
			w.Data[wi] -= stepSize * m.Data[mi] / (math.Sqrt(v.Data[vi]) + o.Epsilon)
		}
	}

	for i := 0; i < head.B.Len(); i++ {
		gi := gradB.AtVec(i)
		mi := o.Beta1*o.mB.AtVec(i) + (1-o.Beta1)*gi
		vi := o.Beta2*o.vB.AtVec(i) + (1-o.Beta2)*gi*gi
		o.mB.SetVec(i, mi)
		o.vB.SetVec(i, vi)
		head.B.SetVec(i, head.B.AtVec(i)-stepSize*mi/(math.Sqrt(vi)+o.Epsilon))
	}
}

// WarmupLinear returns the learning-rate multiplier after step completed
// steps: a linear ramp from 0 to 1 over warmup steps, then a linear decay
// to 0 at total.
func WarmupLinear(step, warmup, total int) float64 {
	if step < warmup {
		return float64(step) / float64(max(1, warmup))
	}
	return math.Max(0, float64(total-step)/float64(max(1, total-warmup)))
}
