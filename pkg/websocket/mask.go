// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

// Mask returns a copy of data XORed with the repeating 4-byte key.
// Applying Mask twice with the same key restores the original data.
func Mask(data []byte, key [4]byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	maskInPlace(out, key)
	return out
}

// maskInPlace is the allocation-free variant of Mask used when decoding.
func maskInPlace(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}
