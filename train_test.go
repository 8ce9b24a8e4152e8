// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ipa

import (
	"fmt"
	"io"
	"math/rand"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/ipa/rigid"
)

// relativePositionFeatures builds the pairwise representation for the
// synthetic task: per (i, j) a 4-feature one-hot of the relative position
// (left neighbor, right neighbor, self, farther), shaped
// [batchSize, seqLen, seqLen, 4].
func relativePositionFeatures(g *Graph, batchSize, seqLen int) *Node {
	rows := Iota(g, shapes.Make(dtypes.Int32, seqLen, 1), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, 1, seqLen), 1)
	delta := Sub(rows, cols)
	one := Const(g, int32(1))
	features := Stack([]*Node{
		ConvertDType(Equal(delta, one), F32),      // j == i-1
		ConvertDType(Equal(delta, Neg(one)), F32), // j == i+1
		ConvertDType(Equal(delta, Const(g, int32(0))), F32),
		ConvertDType(GreaterThan(Abs(delta), one), F32),
	}, -1)
	features = InsertAxes(features, 0)
	return BroadcastToDims(features, batchSize, seqLen, seqLen, 4)
}

// lineTranslations places entity j at position (j, 0, 0).
func lineTranslations(batchSize, seqLen int) [][][]float32 {
	translations := make([][][]float32, batchSize)
	for b := range translations {
		translations[b] = make([][]float32, seqLen)
		for n := range translations[b] {
			translations[b][n] = []float32{float32(n), 0, 0}
		}
	}
	return translations
}

// buildRegressionModelFn returns a model that regresses, per sequence
// element, the logical-and of its value and its left neighbor's. Solving it
// requires attending to the left neighbor, which only the pairwise and point
// pathways can localize.
func buildRegressionModelFn() func(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		feature := inputs[0] // [batch, seq]
		g := feature.Graph()
		batchSize := feature.Shape().Dim(0)
		seqLen := feature.Shape().Dim(1)

		x := InsertAxes(feature, -1)
		x = layers.DenseWithBias(ctx.In("embed"), x, 16) // [batch, seq, 16]

		pairwise := relativePositionFeatures(g, batchSize, seqLen)
		rotations := Const(g, identityRotations(batchSize, seqLen))
		translations := Const(g, lineTranslations(batchSize, seqLen))

		residual := x
		x = New(ctx, x, pairwise, rotations, translations).
			NumHeads(2).
			ScalarKeyDim(4).ScalarValueDim(4).
			PointKeyDim(2).PointValueDim(2).
			WithFrameTransform(rigid.Frames{}).
			Done()
		x = Add(x, residual)
		x = Sigmoid(x)
		x = layers.DenseWithBias(ctx.In("hidden"), x, 16)
		x = Sigmoid(x)
		x = layers.DenseWithBias(ctx.In("readout"), x, 1)
		return []*Node{Squeeze(x, -1)}
	}
}

type neighborAndDataset struct {
	batchSize, seqLen int
	rng               *rand.Rand
	infinite          bool
	count, maxCount   int
}

func (ds *neighborAndDataset) Name() string { return "neighborAnd" }

func (ds *neighborAndDataset) Reset() { ds.count = 0 }

func (ds *neighborAndDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if !ds.infinite && ds.count+ds.batchSize > ds.maxCount {
		return nil, nil, nil, io.EOF
	}
	ds.count += ds.batchSize

	batch := make([][]float32, ds.batchSize)
	batchLabels := make([][]float32, ds.batchSize)
	for ii := range batch {
		batch[ii] = make([]float32, ds.seqLen)
		batchLabels[ii] = make([]float32, ds.seqLen)
		for jj := range batch[ii] {
			batch[ii][jj] = float32(ds.rng.Intn(2))
			if jj > 0 && batch[ii][jj] > 0 && batch[ii][jj-1] > 0 {
				batchLabels[ii][jj] = 1
			}
		}
	}
	return nil, []*tensors.Tensor{tensors.FromValue(batch)}, []*tensors.Tensor{tensors.FromValue(batchLabels)}, nil
}

// TestTraining checks gradients flow through all three logit pathways (and
// the frame transform): the synthetic task is only solvable by locating the
// left neighbor, and the model learns it to a low loss.
func TestTraining(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in -short mode")
	}
	trainDS := &neighborAndDataset{
		batchSize: 32,
		seqLen:    8,
		rng:       rand.New(rand.NewSource(42)),
		infinite:  true,
	}

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	opt := optimizers.Adam().LearningRate(0.001).Done()
	trainer := train.NewTrainer(backend, ctx, buildRegressionModelFn(),
		losses.MeanSquaredError,
		opt,
		nil, // trainMetrics
		nil) // evalMetrics
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	metrics, err := loop.RunSteps(trainDS, 1500)
	require.NoErrorf(t, err, "Failed training: %+v", err)
	loss := metrics[1].Value().(float32)
	fmt.Printf("Final loss: %g\n", loss)
	assert.Truef(t, loss < 0.15, "Expected a loss < 0.15, got %g instead", loss)
}
