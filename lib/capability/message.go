// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/bureau-foundation/rendezvous/lib/codec"
)

// MessageVersion is the schema version written into every header.
// Receivers reject any other version.
const MessageVersion uint16 = 1

// MaxDescriptors bounds the descriptor list of a single message.
const MaxDescriptors = 8

// MessageKind tags what a message means to its receiver. Protocols
// define their own kinds; the kernel never interprets them.
type MessageKind string

// DescriptorType says what kind of right a descriptor transfers.
type DescriptorType uint8

const (
	// DescriptorPort transfers a send right to an endpoint.
	DescriptorPort DescriptorType = iota + 1

	// DescriptorMemory transfers a right to a memory object.
	DescriptorMemory
)

func (d DescriptorType) String() string {
	switch d {
	case DescriptorPort:
		return "port"
	case DescriptorMemory:
		return "memory"
	}
	return fmt.Sprintf("descriptor-type(%d)", uint8(d))
}

// Disposition says how the sender's right is turned into the right the
// receiver gets.
type Disposition uint8

const (
	// DispositionCopySend copies a send right; the sender keeps its own.
	DispositionCopySend Disposition = iota + 1

	// DispositionMakeSend mints a send right from a receive right the
	// sender holds.
	DispositionMakeSend

	// DispositionMoveSend moves the sender's send right to the
	// receiver; the sender's name is released.
	DispositionMoveSend
)

func (d Disposition) String() string {
	switch d {
	case DispositionCopySend:
		return "copy-send"
	case DispositionMakeSend:
		return "make-send"
	case DispositionMoveSend:
		return "move-send"
	}
	return fmt.Sprintf("disposition(%d)", uint8(d))
}

// Descriptor transfers one right. On send, Name is the sender's name
// for the right; on receive, Name is the receiver's new name for it.
type Descriptor struct {
	Type        DescriptorType
	Disposition Disposition
	Name        Name
}

// PortDescriptor builds a descriptor carrying a send right.
func PortDescriptor(name Name, disposition Disposition) Descriptor {
	return Descriptor{Type: DescriptorPort, Disposition: disposition, Name: name}
}

// MemoryDescriptor builds a descriptor carrying a copy of a memory
// object right.
func MemoryDescriptor(name Name) Descriptor {
	return Descriptor{Type: DescriptorMemory, Disposition: DispositionCopySend, Name: name}
}

// Header is the fixed part of every message.
type Header struct {
	Version         uint16
	Kind            MessageKind
	ID              string
	DescriptorCount int
}

// Message is a capability-bearing message.
type Message struct {
	Header
	Descriptors []Descriptor
	Body        []byte
}

// NewMessage builds a message of the given kind carrying descriptors.
// The header gets the current version and a fresh ID for log
// correlation.
func NewMessage(kind MessageKind, descriptors ...Descriptor) Message {
	return Message{
		Header: Header{
			Version:         MessageVersion,
			Kind:            kind,
			ID:              uuid.NewString(),
			DescriptorCount: len(descriptors),
		},
		Descriptors: descriptors,
	}
}

// WithBody returns a copy of m whose body is the CBOR encoding of v.
func (m Message) WithBody(v any) (Message, error) {
	body, err := codec.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s body: %w", m.Kind, err)
	}
	m.Body = body
	return m, nil
}

// DecodeBody decodes the message body into v.
func (m Message) DecodeBody(v any) error {
	if err := codec.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("%w: decoding %s body: %v", ErrProtocolViolation, m.Kind, err)
	}
	return nil
}

// Validate checks the header against the descriptor list.
func (m Message) Validate() error {
	if m.Version != MessageVersion {
		return fmt.Errorf("%w: unsupported message version %d", ErrProtocolViolation, m.Version)
	}
	if m.Kind == "" {
		return fmt.Errorf("%w: message has no kind", ErrProtocolViolation)
	}
	if m.DescriptorCount != len(m.Descriptors) {
		return fmt.Errorf("%w: header declares %d descriptors, message carries %d",
			ErrProtocolViolation, m.DescriptorCount, len(m.Descriptors))
	}
	if len(m.Descriptors) > MaxDescriptors {
		return fmt.Errorf("%w: %d descriptors exceeds limit %d",
			ErrProtocolViolation, len(m.Descriptors), MaxDescriptors)
	}
	for i, descriptor := range m.Descriptors {
		switch descriptor.Type {
		case DescriptorPort, DescriptorMemory:
		default:
			return fmt.Errorf("%w: descriptor %d has type %s", ErrProtocolViolation, i, descriptor.Type)
		}
		switch descriptor.Disposition {
		case DispositionCopySend, DispositionMakeSend, DispositionMoveSend:
		default:
			return fmt.Errorf("%w: descriptor %d has %s", ErrProtocolViolation, i, descriptor.Disposition)
		}
	}
	return nil
}

// Expect checks that m is of the given kind and carries exactly
// descriptors descriptors. Protocols call it on every received message;
// a mismatch means the peer sent messages out of order or is not the
// peer the protocol thinks it is.
func (m Message) Expect(kind MessageKind, descriptors int) error {
	if m.Kind != kind {
		return fmt.Errorf("%w: expected %s message, received %s", ErrProtocolViolation, kind, m.Kind)
	}
	if len(m.Descriptors) != descriptors {
		return fmt.Errorf("%w: %s message carries %d descriptors, expected %d",
			ErrProtocolViolation, kind, len(m.Descriptors), descriptors)
	}
	return nil
}

// wireMessage is the encoded form. Names are process-local and never
// cross the wire; backends carry the rights out of band (a Go pointer
// in simkernel, SCM_RIGHTS in unixkernel) in descriptor order.
type wireMessage struct {
	Version         uint16           `cbor:"1,keyasint"`
	Kind            string           `cbor:"2,keyasint"`
	ID              string           `cbor:"3,keyasint,omitempty"`
	DescriptorCount int              `cbor:"4,keyasint"`
	Descriptors     []wireDescriptor `cbor:"5,keyasint,omitempty"`
	Body            []byte           `cbor:"6,keyasint,omitempty"`
}

type wireDescriptor struct {
	Type        uint8 `cbor:"1,keyasint"`
	Disposition uint8 `cbor:"2,keyasint"`
}

// MarshalMessage validates m and encodes everything except descriptor
// names.
func MarshalMessage(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	wire := wireMessage{
		Version:         m.Version,
		Kind:            string(m.Kind),
		ID:              m.ID,
		DescriptorCount: m.DescriptorCount,
		Body:            m.Body,
	}
	for _, descriptor := range m.Descriptors {
		wire.Descriptors = append(wire.Descriptors, wireDescriptor{
			Type:        uint8(descriptor.Type),
			Disposition: uint8(descriptor.Disposition),
		})
	}
	return codec.Marshal(wire)
}

// UnmarshalMessage decodes and validates an encoded message. Descriptor
// names are NullName; the backend fills them in as it installs the
// transferred rights.
func UnmarshalMessage(data []byte) (Message, error) {
	var wire wireMessage
	if err := codec.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: decoding message: %v", ErrProtocolViolation, err)
	}
	m := Message{
		Header: Header{
			Version:         wire.Version,
			Kind:            MessageKind(wire.Kind),
			ID:              wire.ID,
			DescriptorCount: wire.DescriptorCount,
		},
		Body: wire.Body,
	}
	for _, descriptor := range wire.Descriptors {
		m.Descriptors = append(m.Descriptors, Descriptor{
			Type:        DescriptorType(descriptor.Type),
			Disposition: Disposition(descriptor.Disposition),
		})
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
