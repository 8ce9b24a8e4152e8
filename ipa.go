// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ipa implements Invariant Point Attention (IPA), the geometric
// attention operator used for per-residue representation updates in 3D
// structure models (AlphaFold2's structure module, https://www.nature.com/articles/s41586-021-03819-2,
// supplementary algorithm 22).
//
// Each attention head fuses three logit sources -- scalar feature similarity,
// a learned bias from the pairwise representation, and squared distance
// between learned 3D points -- into a single attention distribution, then
// aggregates three value streams (scalar values, the raw pairwise
// representation, and 3D point values) under that shared distribution,
// concatenates them across heads and projects back to the input width.
//
// It is used like other gomlx layers, with a configuration builder:
//
//	output := ipa.New(ctx, singleRepr, pairwiseRepr, rotations, translations).
//		NumHeads(12).
//		Mask(mask).
//		Done()
//
// The returned output has the same shape as singleRepr and is typically added
// as a residual update.
//
// By default, the rigid frames (rotations and translations) are validated but
// not applied: the point pathway then operates directly in whatever frame the
// caller's features implicitly encode, and the operator carries no invariance
// guarantee of its own. Configure
// WithFrameTransform(rigid.Frames{}) to get the full contract: query, key and
// value points are mapped local→global before the distance computation, and
// aggregated point outputs are mapped global→local with the query entity's
// frame, making the result invariant to any rigid transform of the whole
// scene.
package ipa

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/dtypes"

	"github.com/gomlx/ipa/rigid"
)

const (
	// ParamNumHeads is the context hyperparameter with the default number of
	// attention heads. Defaults to 8 (int).
	ParamNumHeads = "ipa_num_heads"

	// ParamScalarKeyDim is the context hyperparameter with the default
	// per-head dimension of the scalar query/key projections. Defaults to 16 (int).
	ParamScalarKeyDim = "ipa_scalar_key_dim"

	// ParamScalarValueDim is the context hyperparameter with the default
	// per-head dimension of the scalar value projection. Defaults to 16 (int).
	ParamScalarValueDim = "ipa_scalar_value_dim"

	// ParamPointKeyDim is the context hyperparameter with the default number
	// of 3D points per head in the point query/key projections. Defaults to 4 (int).
	ParamPointKeyDim = "ipa_point_key_dim"

	// ParamPointValueDim is the context hyperparameter with the default number
	// of 3D points per head in the point value projection. Defaults to 4 (int).
	ParamPointValueDim = "ipa_point_value_dim"
)

// Config is created with New, configured with its methods, and applied with
// Config.Done or Config.DoneWithCoefficients.
type Config struct {
	ctx *context.Context

	single, pairwise        *Node
	rotations, translations *Node
	mask                    *Node

	dim            int
	numHeads       int
	scalarKeyDim   int
	scalarValueDim int
	pointKeyDim    int
	pointValueDim  int

	transform rigid.Transform
	epsilon   float64
}

// New creates the configuration for an invariant point attention layer over
// the given inputs. Call Config.Done (or Config.DoneWithCoefficients) once
// configured to build the computation and get the output node.
//
// Inputs:
//
//   - single: per-entity representation, shaped [batch, entities, dim]. The
//     output has this same shape.
//   - pairwise: per-pair representation, shaped [batch, entities, entities,
//     pairwiseDim]. It is both a logit source (projected to one bias per
//     head) and, unprojected, one of the three value streams.
//   - rotations, translations: per-entity rigid frames, shaped
//     [batch, entities, 3, 3] and [batch, entities, 3]. See
//     Config.WithFrameTransform for how (and whether) they are applied.
//
// Dimensions, head counts and the optional mask are configured on the
// returned Config. It panics immediately on inconsistent input shapes.
func New(ctx *context.Context, single, pairwise, rotations, translations *Node) *Config {
	singleShape := single.Shape()
	pairwiseShape := pairwise.Shape()
	if singleShape.Rank() != 3 {
		exceptions.Panicf("ipa: single representation must be shaped [batch, entities, dim], got single.shape=%s", singleShape)
	}
	batchSize, numEntities := singleShape.Dim(0), singleShape.Dim(1)
	if pairwiseShape.Rank() != 4 || pairwiseShape.Dim(0) != batchSize ||
		pairwiseShape.Dim(1) != numEntities || pairwiseShape.Dim(2) != numEntities {
		exceptions.Panicf("ipa: pairwise representation must be shaped [%d, %d, %d, pairwiseDim] to match single.shape=%s, got pairwise.shape=%s",
			batchSize, numEntities, numEntities, singleShape, pairwiseShape)
	}
	if pairwiseShape.DType != singleShape.DType {
		exceptions.Panicf("ipa: single and pairwise representations must share a dtype, got %s and %s",
			singleShape.DType, pairwiseShape.DType)
	}
	rigid.AssertFramesMatch(rotations, translations, batchSize, numEntities)
	if rotations.DType() != singleShape.DType {
		exceptions.Panicf("ipa: frames must share the single representation's dtype, got single.dtype=%s and rotations.dtype=%s",
			singleShape.DType, rotations.DType())
	}

	return &Config{
		ctx:            ctx.In("ipa"),
		single:         single,
		pairwise:       pairwise,
		rotations:      rotations,
		translations:   translations,
		dim:            singleShape.Dim(2),
		numHeads:       context.GetParamOr(ctx, ParamNumHeads, 8),
		scalarKeyDim:   context.GetParamOr(ctx, ParamScalarKeyDim, 16),
		scalarValueDim: context.GetParamOr(ctx, ParamScalarValueDim, 16),
		pointKeyDim:    context.GetParamOr(ctx, ParamPointKeyDim, 4),
		pointValueDim:  context.GetParamOr(ctx, ParamPointValueDim, 4),
		transform:      rigid.Identity{},
		epsilon:        1e-8,
	}
}

// NumHeads sets the number of attention heads. Each head computes its own
// attention distribution; their outputs are concatenated, never summed.
// Defaults to 8, or the hyperparameter ParamNumHeads.
func (c *Config) NumHeads(numHeads int) *Config {
	if numHeads <= 0 {
		exceptions.Panicf("ipa: numHeads must be positive, got %d", numHeads)
	}
	c.numHeads = numHeads
	return c
}

// ScalarKeyDim sets the per-head dimension of the scalar query and key
// projections. Defaults to 16, or the hyperparameter ParamScalarKeyDim.
func (c *Config) ScalarKeyDim(dim int) *Config {
	if dim <= 0 {
		exceptions.Panicf("ipa: scalarKeyDim must be positive, got %d", dim)
	}
	c.scalarKeyDim = dim
	return c
}

// ScalarValueDim sets the per-head dimension of the scalar value projection.
// Defaults to 16, or the hyperparameter ParamScalarValueDim.
func (c *Config) ScalarValueDim(dim int) *Config {
	if dim <= 0 {
		exceptions.Panicf("ipa: scalarValueDim must be positive, got %d", dim)
	}
	c.scalarValueDim = dim
	return c
}

// PointKeyDim sets the number of 3D points per head in the point query and
// key projections. Defaults to 4, or the hyperparameter ParamPointKeyDim.
func (c *Config) PointKeyDim(dim int) *Config {
	if dim <= 0 {
		exceptions.Panicf("ipa: pointKeyDim must be positive, got %d", dim)
	}
	c.pointKeyDim = dim
	return c
}

// PointValueDim sets the number of 3D points per head in the point value
// projection. Defaults to 4, or the hyperparameter ParamPointValueDim.
func (c *Config) PointValueDim(dim int) *Config {
	if dim <= 0 {
		exceptions.Panicf("ipa: pointValueDim must be positive, got %d", dim)
	}
	c.pointValueDim = dim
	return c
}

// PairwiseReprDim asserts the feature dimension of the pairwise
// representation. The actual dimension is always taken from the pairwise
// input itself (it defaults to the single representation's dim in typical
// models); this option exists to fail fast when the caller's expectation and
// the tensor disagree.
func (c *Config) PairwiseReprDim(dim int) *Config {
	if got := c.pairwise.Shape().Dim(-1); got != dim {
		exceptions.Panicf("ipa: pairwise representation has feature dimension %d, expected %d (pairwise.shape=%s)",
			got, dim, c.pairwise.Shape())
	}
	return c
}

// Mask sets the validity mask, a boolean tensor shaped [batch, entities],
// true for valid entities and false for padding. Attention from any query to
// a masked key is suppressed. Rows of masked queries still hold a valid
// probability distribution (the sentinel used for masked logits is finite,
// not -inf); discarding those rows is the caller's responsibility.
func (c *Config) Mask(mask *Node) *Config {
	if mask == nil {
		c.mask = nil
		return c
	}
	maskShape := mask.Shape()
	singleShape := c.single.Shape()
	if maskShape.Rank() != 2 || maskShape.Dim(0) != singleShape.Dim(0) || maskShape.Dim(1) != singleShape.Dim(1) {
		exceptions.Panicf("ipa: mask must be shaped [%d, %d] to match single.shape=%s, got mask.shape=%s",
			singleShape.Dim(0), singleShape.Dim(1), singleShape, maskShape)
	}
	if maskShape.DType != dtypes.Bool {
		exceptions.Panicf("ipa: mask must be boolean, got dtype %s", maskShape.DType)
	}
	c.mask = mask
	return c
}

// WithFrameTransform sets the strategy used to move point tensors between
// per-entity local frames and the global frame. The default is
// rigid.Identity{}, which validates the frames but leaves points untouched;
// use rigid.Frames{} for the full local→global→local contract.
func (c *Config) WithFrameTransform(transform rigid.Transform) *Config {
	if transform == nil {
		exceptions.Panicf("ipa: frame transform must not be nil (use rigid.Identity{} for the no-op)")
	}
	c.transform = transform
	return c
}

// Epsilon sets the numerical-stability constant. It is currently unused by
// the attention computation itself and reserved for normalization safeguards.
// Defaults to 1e-8.
func (c *Config) Epsilon(epsilon float64) *Config {
	c.epsilon = epsilon
	return c
}

// Done builds the attention computation and returns the output, shaped like
// the single representation, [batch, entities, dim].
func (c *Config) Done() *Node {
	output, _ := c.DoneWithCoefficients()
	return output
}

// DoneWithCoefficients builds the attention computation and returns both the
// output, shaped [batch, entities, dim], and the attention coefficients,
// shaped [batch, numHeads, entities, entities] -- coefficient [b,h,i,j] is
// the weight with which query entity i attends to key entity j on head h.
// Every (b,h,i) row sums to 1.
func (c *Config) DoneWithCoefficients() (output, coefficients *Node) {
	ctx := c.ctx
	x := c.single
	g := x.Graph()
	dtype := x.DType()
	batchSize := x.Shape().Dim(0)
	numEntities := x.Shape().Dim(1)
	numHeads := c.numHeads

	// Per-head projections: scalar q/k/v vectors and point q/k/v 3-vectors.
	// All bias-free, per entity, with the head axis explicit.
	scalarQ := layers.Dense(ctx.In("scalar_query"), x, false, numHeads, c.scalarKeyDim)  // [b, n, h, sk]
	scalarK := layers.Dense(ctx.In("scalar_key"), x, false, numHeads, c.scalarKeyDim)    // [b, n, h, sk]
	scalarV := layers.Dense(ctx.In("scalar_value"), x, false, numHeads, c.scalarValueDim) // [b, n, h, sv]
	pointQ := layers.Dense(ctx.In("point_query"), x, false, numHeads, c.pointKeyDim, 3)   // [b, n, h, pk, 3]
	pointK := layers.Dense(ctx.In("point_key"), x, false, numHeads, c.pointKeyDim, 3)     // [b, n, h, pk, 3]
	pointV := layers.Dense(ctx.In("point_value"), x, false, numHeads, c.pointValueDim, 3) // [b, n, h, pv, 3]

	// Points move to the global frame using the frame of the entity that owns
	// them (axis 1: the query entity for pointQ, the key entity for pointK/V).
	pointQ = c.transform.ToGlobal(pointQ, c.rotations, c.translations)
	pointK = c.transform.ToGlobal(pointK, c.rotations, c.translations)
	pointV = c.transform.ToGlobal(pointV, c.rotations, c.translations)

	scalarQ = foldHeadsIntoBatch(scalarQ) // [b*h, n, sk]
	scalarK = foldHeadsIntoBatch(scalarK)
	scalarV = foldHeadsIntoBatch(scalarV)
	pointQ = foldHeadsIntoBatch(pointQ) // [b*h, n, pk, 3]
	pointK = foldHeadsIntoBatch(pointK)
	pointV = foldHeadsIntoBatch(pointV)

	// Scalar logits: scaled dot-product similarity. The 3 in the scale
	// accounts for the three logit sources being summed.
	scalarScale := 1.0 / math.Sqrt(3.0*float64(c.scalarKeyDim))
	logits := MulScalar(Einsum("bid,bjd->bij", scalarQ, scalarK), scalarScale) // [b*h, i, j]

	// Pairwise logits: one bias per head per entity pair.
	pairwiseScale := 1.0 / math.Sqrt(3.0)
	pairwiseBias := layers.DenseWithBias(ctx.In("pairwise_bias"), c.pairwise, numHeads) // [b, i, j, h]
	pairwiseBias = Reshape(TransposeAllDims(pairwiseBias, 0, 3, 1, 2),
		batchSize*numHeads, numEntities, numEntities)
	logits = Add(logits, MulScalar(pairwiseBias, pairwiseScale))

	// Point logits: squared distance between query and key points, weighted
	// by a learned per-head precision kept nonnegative through a softplus.
	// Larger distance, lower logit. The 9/2 balances the three spatial axes
	// against the other two logit sources.
	pointScale := 1.0 / math.Sqrt(3.0*float64(c.pointKeyDim)*(9.0/2.0))
	diff := Sub(InsertAxes(pointQ, 2), InsertAxes(pointK, 1))                   // [b*h, i, j, pk, 3]
	squaredDistance := ReduceSum(Square(diff), 3, 4)                            // [b*h, i, j]
	pointWeightsVar := ctx.VariableWithValue("point_weights",
		shapes.CastAsDType(initialPointWeights(numHeads), dtype)) // [h], softplus⁻¹(1) each
	pointWeights := Softplus(pointWeightsVar.ValueGraph(g))
	pointWeights = Reshape(BroadcastToDims(InsertAxes(pointWeights, 0), batchSize, numHeads),
		batchSize*numHeads, 1, 1)
	logits = Add(logits, MulScalar(Mul(squaredDistance, pointWeights), -0.5*pointScale))

	// Masking: a pair is attendable iff both its query and key entities are
	// valid. Masked logits get the dtype's lowest finite value -- not -inf,
	// which would poison the softmax gradient.
	if c.mask != nil {
		pairMask := LogicalAnd(InsertAxes(c.mask, -1), InsertAxes(c.mask, 1)) // [b, i, j]
		pairMask = Reshape(
			BroadcastToDims(InsertAxes(pairMask, 1), batchSize, numHeads, numEntities, numEntities),
			batchSize*numHeads, numEntities, numEntities)
		logits = Where(pairMask, logits, Const(g, dtype.LowestValue()))
	}
	attention := Softmax(logits) // [b*h, i, j], rows sum to 1.

	// One attention distribution, three value streams.
	scalarOut := Einsum("bij,bjd->bid", attention, scalarV) // [b*h, i, sv]
	attentionPerHead := splitHeadsFromBatch(attention, numHeads) // [b, h, i, j]
	pairwiseOut := Einsum("bhij,bijd->bhid", attentionPerHead, c.pairwise) // [b, h, i, pd]
	pointOut := Einsum("bij,bjdc->bidc", attention, pointV) // [b*h, i, pv, 3]

	// Aggregated points return to the query entity's local frame before the
	// streams are merged.
	pointOut = TransposeAllDims(splitHeadsFromBatch(pointOut, numHeads), 0, 2, 1, 3, 4) // [b, i, h, pv, 3]
	pointOut = c.transform.ToLocal(pointOut, c.rotations, c.translations)
	pointOut = Reshape(pointOut, batchSize, numEntities, numHeads*c.pointValueDim*3)

	scalarOut = mergeHeads(splitHeadsFromBatch(scalarOut, numHeads)) // [b, n, h*sv]
	pairwiseOut = mergeHeads(pairwiseOut)                            // [b, n, h*pd]

	results := Concatenate([]*Node{scalarOut, pairwiseOut, pointOut}, -1)
	output = layers.DenseWithBias(ctx.In("output"), results, c.dim)
	return output, attentionPerHead
}

// initialPointWeights returns softplus⁻¹(1) = log(e−1) per head, so the
// effective per-head precision starts at 1.
func initialPointWeights(numHeads int) []float64 {
	weights := make([]float64, numHeads)
	for ii := range weights {
		weights[ii] = math.Log(math.E - 1.0)
	}
	return weights
}

// foldHeadsIntoBatch rearranges [batch, entities, heads, ...] to
// [batch*heads, entities, ...].
func foldHeadsIntoBatch(x *Node) *Node {
	dims := x.Shape().Clone().Dimensions
	rank := x.Rank()
	permutation := make([]int, rank)
	permutation[0], permutation[1], permutation[2] = 0, 2, 1
	for axis := 3; axis < rank; axis++ {
		permutation[axis] = axis
	}
	x = TransposeAllDims(x, permutation...)
	newDims := append([]int{dims[0] * dims[2], dims[1]}, dims[3:]...)
	return Reshape(x, newDims...)
}

// splitHeadsFromBatch rearranges [batch*heads, entities, ...] to
// [batch, heads, entities, ...], undoing the batch-folding of the head axis.
func splitHeadsFromBatch(x *Node, numHeads int) *Node {
	dims := x.Shape().Clone().Dimensions
	newDims := append([]int{dims[0] / numHeads, numHeads}, dims[1:]...)
	return Reshape(x, newDims...)
}

// mergeHeads rearranges [batch, heads, entities, ...] to
// [batch, entities, heads*...], flattening the head and feature axes into the
// final per-entity feature vector.
func mergeHeads(x *Node) *Node {
	dims := x.Shape().Dimensions
	rank := x.Rank()
	permutation := make([]int, rank)
	permutation[0], permutation[1], permutation[2] = 0, 2, 1
	for axis := 3; axis < rank; axis++ {
		permutation[axis] = axis
	}
	x = TransposeAllDims(x, permutation...)
	return Reshape(x, dims[0], dims[2], -1)
}
