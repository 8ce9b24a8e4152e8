// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ipa-demo runs invariant point attention over a randomly generated batch of
// entities and prints the resulting shapes and one attention distribution.
//
// By default the layer interprets points as already being in a shared global
// frame. With --frames, each entity gets its own rigid frame (identity
// rotations plus the entity's position as translation) and the layer maps
// points through them.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/ipa"
	"github.com/gomlx/ipa/rigid"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagBackend  = flag.String("backend", "", "Backend to use (default: auto-detect).")
	flagBatch    = flag.Int("batch", 2, "Batch size.")
	flagEntities = flag.Int("entities", 6, "Number of entities per example.")
	flagDim      = flag.Int("dim", 32, "Channels of the per-entity representation.")
	flagPairwise = flag.Int("pairwise_dim", 8, "Channels of the pairwise representation.")
	flagHeads    = flag.Int("heads", 4, "Number of attention heads.")
	flagFrames   = flag.Bool("frames", false, "Map points through per-entity rigid frames.")
	flagSeed     = flag.Int64("seed", 42, "Seed for the random inputs.")
)

func main() {
	flag.Parse()
	if *flagBackend != "" {
		must.M(os.Setenv("GOMLX_BACKEND", *flagBackend))
	}
	if *flagBatch <= 0 || *flagEntities <= 0 || *flagDim <= 0 || *flagPairwise <= 0 || *flagHeads <= 0 {
		klog.Errorf("All of --batch, --entities, --dim, --pairwise_dim and --heads must be positive.")
		os.Exit(1)
	}

	backend := backends.MustNew()
	ctx := context.New()
	ctx.SetParam(ipa.ParamNumHeads, *flagHeads)
	rng := rand.New(rand.NewSource(*flagSeed))

	single := randomTensor3(rng, *flagBatch, *flagEntities, *flagDim)
	pairwise := randomTensor4(rng, *flagBatch, *flagEntities, *flagEntities, *flagPairwise)
	rotations := identityRotations(*flagBatch, *flagEntities)
	translations := randomTensor3(rng, *flagBatch, *flagEntities, 3)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		cfg := ipa.New(ctx, inputs[0], inputs[1], inputs[2], inputs[3])
		if *flagFrames {
			cfg = cfg.WithFrameTransform(rigid.Frames{})
		}
		output, coefficients := cfg.DoneWithCoefficients()
		return []*Node{output, coefficients}
	})
	results := exec.MustExec(single, pairwise, rotations, translations)
	output, coefficients := results[0], results[1]

	fmt.Printf("single:       %s\n", single.Shape())
	fmt.Printf("pairwise:     %s\n", pairwise.Shape())
	fmt.Printf("output:       %s\n", output.Shape())
	fmt.Printf("coefficients: %s\n", coefficients.Shape())

	attention := coefficients.Value().([][][][]float32)
	fmt.Printf("\nAttention of entity 0 (example 0):\n")
	for head, rows := range attention[0] {
		fmt.Printf("  head %d: ", head)
		for _, v := range rows[0] {
			fmt.Printf("%.3f ", v)
		}
		fmt.Println()
	}
}

func randomTensor3(rng *rand.Rand, dims ...int) *tensors.Tensor {
	values := make([][][]float32, dims[0])
	for i := range values {
		values[i] = make([][]float32, dims[1])
		for j := range values[i] {
			values[i][j] = make([]float32, dims[2])
			for k := range values[i][j] {
				values[i][j][k] = float32(rng.NormFloat64())
			}
		}
	}
	return tensors.FromValue(values)
}

func randomTensor4(rng *rand.Rand, dims ...int) *tensors.Tensor {
	values := make([][][][]float32, dims[0])
	for i := range values {
		values[i] = make([][][]float32, dims[1])
		for j := range values[i] {
			values[i][j] = make([][]float32, dims[2])
			for k := range values[i][j] {
				values[i][j][k] = make([]float32, dims[3])
				for l := range values[i][j][k] {
					values[i][j][k][l] = float32(rng.NormFloat64())
				}
			}
		}
	}
	return tensors.FromValue(values)
}

func identityRotations(batchSize, numEntities int) *tensors.Tensor {
	values := make([][][][]float32, batchSize)
	for b := range values {
		values[b] = make([][][]float32, numEntities)
		for n := range values[b] {
			values[b][n] = [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		}
	}
	return tensors.FromValue(values)
}
