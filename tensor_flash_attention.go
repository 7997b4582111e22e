package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Tiled (Flash-style) Attention
// ===========================================================================
//
// This file implements the tiled attention kernel behind KernelTiled: the
// same softmax(QKᵀ·scale + mask)·V as attentionProbs + MatMul, computed
// without ever holding the (seq × seq) score matrix.
//
// THE STANDARD ATTENTION PROBLEM:
//
// For a sequence of length N with head width d:
// 1. Compute S = QK^T                    [N×N matrix, requires N² memory]
// 2. Compute P = softmax(S)              [N×N matrix, requires N² memory]
// 3. Compute O = PV                      [N×d matrix, output]
//
// Algorithm (simplified):
//
// 1. Split Q, K, V into blocks of BlockSize rows.
// 2. For each query block Qᵢ:
//    a) Initialize partial output Oᵢ = 0 and statistics
//    b) For each key-value block (Kⱼ, Vⱼ):
//       - Compute Sᵢⱼ = QᵢKⱼᵀ·scale + maskⱼ (one tile of scores)
//       - Update softmax statistics incrementally
//       - Accumulate the tile's contribution to Oᵢ
//       - Discard Sᵢⱼ
//    c) Normalize Oᵢ by the running sum
//
// INCREMENTAL SOFTMAX:
//
// softmax(x)ᵢ = exp(xᵢ - max(x)) / Σⱼ exp(xⱼ - max(x))
//
// Across tiles:
// 1. Track running max: mᵢ = max(m_{i-1}, max(xᵢ))
// 2. Track running sum: sᵢ = s_{i-1} × exp(m_{i-1} - mᵢ) + Σⱼ exp(xᵢⱼ - mᵢ)
// 3. Rescale previous outputs when max changes
//
// TRADE-OFFS:
//   + O(N·d) working memory per head
//   - Attention probabilities are not available, so the forward pass falls
//     back to the standard kernel when they are captured or when dropout
//     has to be applied to them.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "FlashAttention: Fast and Memory-Efficient Exact Attention with IO-Awareness"
//   by Dao et al. (2022) https://arxiv.org/abs/2205.14135
//
// - "Online normalizer calculation for softmax" by Milakov & Gimelshein (2018)
//   https://arxiv.org/abs/1805.02867
//
// ===========================================================================

// defaultTileSize is the block size used by new attention layers.
const defaultTileSize = 32

// TiledAttention computes softmax(q·kᵀ·scale + maskBias)·v for one head.
//
// q, k, v are (seqLen, headDim); maskBias is (1, seqLen) or nil.
// Returns (seqLen, headDim).
func TiledAttention(q, k, v, maskBias *Tensor, scale float64, blockSize int) *Tensor {
	if q.Dims() != 2 || !shapeEqual(q.shape, k.shape) || !shapeEqual(k.shape, v.shape) {
		panic(fmt.Sprintf("attention: tiled kernel needs equal (seq, dim) inputs, got %v %v %v", q.shape, k.shape, v.shape))
	}
	if blockSize <= 0 {
		blockSize = defaultTileSize
	}

	seqLen, headDim := q.shape[0], q.shape[1]
	out := NewTensor(seqLen, headDim)
	numBlocks := (seqLen + blockSize - 1) / blockSize

	for iBlock := 0; iBlock < numBlocks; iBlock++ {
		iStart := iBlock * blockSize
		iEnd := min(iStart+blockSize, seqLen)
		blockRows := iEnd - iStart

		oi := make([]float64, blockRows*headDim) // Accumulated output
		mi := make([]float64, blockRows)         // Running max per row
		li := make([]float64, blockRows)         // Running sum of exponentials
		for i := range mi {
			mi[i] = math.Inf(-1)
		}

		for jBlock := 0; jBlock < numBlocks; jBlock++ {
			jStart := jBlock * blockSize
			jEnd := min(jStart+blockSize, seqLen)
			blockCols := jEnd - jStart

			sij := make([]float64, blockRows*blockCols)
			for i := 0; i < blockRows; i++ {
				qRow := q.data[(iStart+i)*headDim : (iStart+i+1)*headDim]
				for j := 0; j < blockCols; j++ {
					kRow := k.data[(jStart+j)*headDim : (jStart+j+1)*headDim]
					var score float64
					for d, qv := range qRow {
						score += qv * kRow[d]
					}
					score *= scale
					if maskBias != nil {
						score += maskBias.data[jStart+j]
					}
					sij[i*blockCols+j] = score
				}
			}

			for i := 0; i < blockRows; i++ {
				row := sij[i*blockCols : (i+1)*blockCols]

				blockMax := math.Inf(-1)
				for _, s := range row {
					blockMax = math.Max(blockMax, s)
				}

				prevMax := mi[i]
				mi[i] = math.Max(prevMax, blockMax)

				// Rescale what was accumulated under the old max.
				rescale := math.Exp(prevMax - mi[i])
				li[i] *= rescale
				acc := oi[i*headDim : (i+1)*headDim]
				for d := range acc {
					acc[d] *= rescale
				}

				for j, s := range row {
					p := math.Exp(s - mi[i])
					li[i] += p
					vRow := v.data[(jStart+j)*headDim : (jStart+j+1)*headDim]
					for d, vv := range vRow {
						acc[d] += p * vv
					}
				}
			}
		}

		for i := 0; i < blockRows; i++ {
			dst := out.data[(iStart+i)*headDim : (iStart+i+1)*headDim]
			for d := range dst {
				dst[d] = oi[i*headDim+d] / li[i]
			}
		}
	}

	return out
}

// EstimateTiledMemory returns the number of float64 values held live per
// head by the standard and tiled kernels for a sequence of length seqLen.
func EstimateTiledMemory(seqLen, headDim, blockSize int) (standard, tiled int) {
	standard = seqLen*seqLen + seqLen*headDim
	block := min(blockSize, seqLen)
	tiled = block*block + block*headDim + 2*block + seqLen*headDim
	return standard, tiled
}
