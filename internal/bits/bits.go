// Package bits provides the two's-complement reinterpretation helpers the
// ADI wire protocol relies on: error codes and lengths are returned as
// unsigned registers but must be read back as signed values, and vice
// versa, with no change to the underlying bit pattern.
package bits

// UToS32 reinterprets the low 32 bits of v as a signed int32.
func UToS32(v uint32) int32 {
	return int32(v)
}

// SToU32 reinterprets a signed int32 as its unsigned bit pattern.
func SToU32(v int32) uint32 {
	return uint32(v)
}

// UToS64 reinterprets a uint64 as a signed int64.
func UToS64(v uint64) int64 {
	return int64(v)
}

// SToU64 reinterprets a signed int64 as its unsigned bit pattern.
func SToU64(v int64) uint64 {
	return uint64(v)
}

// RoundUpPage rounds size up to the next multiple of pageSize. pageSize
// must be a power of two.
func RoundUpPage(size, pageSize uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}
