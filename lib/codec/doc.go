// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration shared by every
// rendezvous wire format.
//
// Three things cross a process boundary as bytes: the header and
// descriptor list of a capability message, the bodies of task-server and
// service-directory requests, and the one-shot handoff record written to
// the auxiliary pipe. All of them are CBOR so that a replica built from
// the same source decodes exactly what its originator encoded, with no
// dependence on Go struct memory layout.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. Same
// logical value, same bytes. Tests rely on this when comparing encoded
// headers.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types carried by this package use `cbor` struct tags only; none of them
// are ever rendered as JSON.
package codec
