// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

// RoundPage rounds size up to a multiple of pageSize. pageSize must be a
// power of two. A size of zero stays zero. Sizes within pageSize-1 of
// the top of the range wrap; callers taking untrusted sizes check first.
func RoundPage(size, pageSize uint64) uint64 {
	mask := pageSize - 1
	return (size + mask) &^ mask
}

// Aligned reports whether addr is a multiple of pageSize.
func Aligned(addr Address, pageSize uint64) bool {
	return uint64(addr)&(pageSize-1) == 0
}
