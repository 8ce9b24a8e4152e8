// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rigid implements rigid-frame transforms over 3D point tensors.
//
// A rigid frame is a rotation plus a translation, one per entity (residue),
// expressing that entity's local coordinate system relative to a shared
// global frame. Points are tensors shaped [batch, entities, ..., 3], with any
// number of inner axes (heads, point channels) between the entity axis and
// the trailing 3D vector axis. Rotations are shaped [batch, entities, 3, 3]
// and translations [batch, entities, 3].
//
// Transform is the strategy used by the ipa package to (optionally) move
// per-entity points between local and global frames. Two implementations are
// provided:
//
//   - Identity: accepts frames but never applies them. The caller is then
//     responsible for presenting all points in one common frame.
//   - Frames: the full transform, global = R·local + t and
//     local = Rᵀ·(global − t).
package rigid

import (
	"github.com/gomlx/exceptions"
	graph "github.com/gomlx/gomlx/pkg/core/graph"
)

// Transform moves point tensors between per-entity local frames and the
// shared global frame.
//
// Both operations take points shaped [batch, entities, ..., 3], rotations
// shaped [batch, entities, 3, 3] and translations shaped [batch, entities, 3],
// and return a tensor with the same shape as points. The frame applied to a
// point is always the one of the entity owning it (axis 1).
type Transform interface {
	// ToGlobal maps points expressed in each entity's local frame to the
	// shared global frame.
	ToGlobal(points, rotations, translations *graph.Node) *graph.Node

	// ToLocal maps points expressed in the global frame back into each
	// entity's local frame. It is the inverse of ToGlobal.
	ToLocal(points, rotations, translations *graph.Node) *graph.Node
}

// Identity is a Transform that validates its inputs but leaves the points
// untouched: frames are accepted and ignored, and the point pathway operates
// in whatever frame the caller's points already are.
type Identity struct{}

// ToGlobal returns points unchanged (after shape validation).
func (Identity) ToGlobal(points, rotations, translations *graph.Node) *graph.Node {
	AssertFrames(points, rotations, translations)
	return points
}

// ToLocal returns points unchanged (after shape validation).
func (Identity) ToLocal(points, rotations, translations *graph.Node) *graph.Node {
	AssertFrames(points, rotations, translations)
	return points
}

// Frames is a Transform that applies the full rigid transform:
// ToGlobal computes R·p + t and ToLocal computes Rᵀ·(p − t), per entity.
type Frames struct{}

// ToGlobal maps local points to the global frame: global = R·local + t.
func (Frames) ToGlobal(points, rotations, translations *graph.Node) *graph.Node {
	AssertFrames(points, rotations, translations)
	dims := points.Shape().Clone().Dimensions
	flat := flattenInnerAxes(points)
	// r -> rotation output axis, c -> point component axis.
	flat = graph.Einsum("bnrc,bnkc->bnkr", rotations, flat)
	flat = graph.Add(flat, graph.InsertAxes(translations, 2))
	return graph.Reshape(flat, dims...)
}

// ToLocal maps global points back to each entity's local frame:
// local = Rᵀ·(global − t).
func (Frames) ToLocal(points, rotations, translations *graph.Node) *graph.Node {
	AssertFrames(points, rotations, translations)
	dims := points.Shape().Clone().Dimensions
	flat := flattenInnerAxes(points)
	flat = graph.Sub(flat, graph.InsertAxes(translations, 2))
	// Transposed rotation: contract over the rotation output axis instead.
	flat = graph.Einsum("bncr,bnkc->bnkr", rotations, flat)
	return graph.Reshape(flat, dims...)
}

// flattenInnerAxes reshapes [batch, entities, ..., 3] to
// [batch, entities, k, 3], folding all inner axes into one.
func flattenInnerAxes(points *graph.Node) *graph.Node {
	shape := points.Shape()
	return graph.Reshape(points, shape.Dim(0), shape.Dim(1), -1, 3)
}

// AssertFrames panics if points, rotations and translations don't have
// mutually consistent shapes: points [batch, entities, ..., 3], rotations
// [batch, entities, 3, 3] and translations [batch, entities, 3], all with the
// same dtype, batch size and entity count.
func AssertFrames(points, rotations, translations *graph.Node) {
	pShape := points.Shape()
	if pShape.Rank() < 3 || pShape.Dim(-1) != 3 {
		exceptions.Panicf("rigid: points must be shaped [batch, entities, ..., 3], got points.shape=%s", pShape)
	}
	AssertFramesMatch(rotations, translations, pShape.Dim(0), pShape.Dim(1))
	if rotations.DType() != pShape.DType {
		exceptions.Panicf("rigid: points and frames must share a dtype, got points.dtype=%s and rotations.dtype=%s",
			pShape.DType, rotations.DType())
	}
}

// AssertFramesMatch panics if rotations and translations aren't shaped
// [batchSize, numEntities, 3, 3] and [batchSize, numEntities, 3] with a
// common dtype.
func AssertFramesMatch(rotations, translations *graph.Node, batchSize, numEntities int) {
	rShape := rotations.Shape()
	tShape := translations.Shape()
	if rShape.Rank() != 4 || rShape.Dim(0) != batchSize || rShape.Dim(1) != numEntities ||
		rShape.Dim(2) != 3 || rShape.Dim(3) != 3 {
		exceptions.Panicf("rigid: rotations must be shaped [%d, %d, 3, 3], got rotations.shape=%s",
			batchSize, numEntities, rShape)
	}
	if tShape.Rank() != 3 || tShape.Dim(0) != batchSize || tShape.Dim(1) != numEntities || tShape.Dim(2) != 3 {
		exceptions.Panicf("rigid: translations must be shaped [%d, %d, 3], got translations.shape=%s",
			batchSize, numEntities, tShape)
	}
	if rShape.DType != tShape.DType {
		exceptions.Panicf("rigid: rotations and translations must share a dtype, got %s and %s",
			rShape.DType, tShape.DType)
	}
}
