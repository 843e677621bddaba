package buffer

import "unsafe"

// floatsAsBytes views a []float32 backing array as raw bytes, used only by
// Convert's in-place integer-to-float widening. The teacher's own
// runtime.nodesAsBytes helper does the same unsafe.Slice reinterpretation
// for its node metadata; we follow the identical pattern here for pixel
// payloads instead of graph node structs.
func floatsAsBytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}
