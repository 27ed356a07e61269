// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handoff carries one value across a byte stream: the address
// of a shared region in the reading process, written by the process
// that created the region.
//
// The writer encodes a Record as a single CBOR item in one Write. The
// reader makes a single read attempt. Reading nothing (zero bytes, or
// end of stream before any byte) means nothing has been sent yet and is
// reported as ok=false without an error.
package handoff

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/rendezvous/lib/capability"
	"github.com/bureau-foundation/rendezvous/lib/codec"
)

// MaxRecordSize bounds an encoded Record. It fits in one pipe write,
// which the kernel delivers atomically.
const MaxRecordSize = 512

// Record describes a shared region from the reader's point of view.
type Record struct {
	// Address is the base of the region in the reading process.
	Address capability.Address `cbor:"1,keyasint"`

	// Size is the region size in bytes.
	Size uint64 `cbor:"2,keyasint"`

	// Digest is the BLAKE3-256 digest of the region's contents when the
	// record was written. Empty when the writer did not compute one.
	Digest []byte `cbor:"3,keyasint,omitempty"`
}

// DigestOf returns the BLAKE3-256 digest of data.
func DigestOf(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// Verify reports whether data matches the record's digest. A record
// without a digest matches anything.
func (r Record) Verify(data []byte) error {
	if len(r.Digest) == 0 {
		return nil
	}
	if uint64(len(data)) != r.Size {
		return fmt.Errorf("handoff: region is %d bytes, record says %d", len(data), r.Size)
	}
	if !bytes.Equal(DigestOf(data), r.Digest) {
		return fmt.Errorf("handoff: region contents differ from the digest taken at handoff")
	}
	return nil
}

// Write encodes record to w in a single call.
func Write(w io.Writer, record Record) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("handoff: encoding record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("handoff: record is %d bytes, limit %d", len(data), MaxRecordSize)
	}
	n, err := w.Write(data)
	if err != nil {
		return fmt.Errorf("handoff: writing record: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("handoff: short write of %d of %d bytes", n, len(data))
	}
	return nil
}

// Read makes one read attempt on r. It returns ok=false and no error
// when nothing was read.
func Read(r io.Reader) (record Record, ok bool, err error) {
	buffer := make([]byte, MaxRecordSize)
	n, err := r.Read(buffer)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("handoff: reading record: %w", err)
	}
	if decodeErr := codec.Unmarshal(buffer[:n], &record); decodeErr != nil {
		return Record{}, false, fmt.Errorf("handoff: decoding %d-byte record: %w", n, decodeErr)
	}
	return record, true, nil
}
