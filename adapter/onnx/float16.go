package onnx

import (
	"encoding/binary"

	"github.com/x448/float16"
)

var f16LookupTable [65536]float32

func init() {
	// precompute float16 lookup table for faster conversion to float32
	for i := range f16LookupTable {
		f16 := float16.Frombits(uint16(i))
		f16LookupTable[i] = f16.Float32()
	}
}

// halfToFloat32 converts a little endian float16 buffer to float32 values
func halfToFloat32(raw []byte) []float32 {

	out := make([]float32, len(raw)/2)

	for i := range out {
		bits := binary.LittleEndian.Uint16(raw[2*i:])
		out[i] = f16LookupTable[bits]
	}

	return out
}
