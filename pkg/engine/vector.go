package engine

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	vectorHeaderSize = 4
	vectorValueSize  = 4
)

// EncodeVector packs a float32 vector into a storage blob:
// [4-byte little-endian dimension][N x 4-byte little-endian float32].
func EncodeVector(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}
	blob := make([]byte, vectorHeaderSize+len(vec)*vectorValueSize)
	binary.LittleEndian.PutUint32(blob[:vectorHeaderSize], uint32(len(vec)))
	offset := vectorHeaderSize
	for _, v := range vec {
		binary.LittleEndian.PutUint32(blob[offset:offset+vectorValueSize], math.Float32bits(v))
		offset += vectorValueSize
	}
	return blob, nil
}

// DecodeVector unpacks a blob written by EncodeVector. A malformed blob
// is a corrupt entry, not a caller mistake.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < vectorHeaderSize {
		return nil, fmt.Errorf("decode vector: blob too short: %d bytes", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob[:vectorHeaderSize]))
	if dim <= 0 || len(blob) != vectorHeaderSize+dim*vectorValueSize {
		return nil, fmt.Errorf("decode vector: dimension %d does not match payload of %d bytes", dim, len(blob)-vectorHeaderSize)
	}
	vec := make([]float32, dim)
	offset := vectorHeaderSize
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[offset : offset+vectorValueSize]))
		if math.IsNaN(float64(vec[i])) || math.IsInf(float64(vec[i]), 0) {
			return nil, fmt.Errorf("decode vector: non-finite value at index %d", i)
		}
		offset += vectorValueSize
	}
	return vec, nil
}

// Cosine computes cosine similarity in [-1, 1]. Mismatched or zero
// vectors score 0 rather than erroring; retrieval treats them as
// unrelatable, and the compression bound then fails closed.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}
