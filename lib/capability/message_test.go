// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"errors"
	"testing"

	"github.com/bureau-foundation/rendezvous/lib/codec"
)

func TestMarshalMessageRoundtrip(t *testing.T) {
	original, err := NewMessage("test.ping",
		PortDescriptor(7, DispositionMakeSend),
		MemoryDescriptor(9),
	).WithBody(map[string]uint64{"size": 4096})
	if err != nil {
		t.Fatalf("WithBody: %v", err)
	}

	data, err := MarshalMessage(original)
	if err != nil {
		t.Fatalf("MarshalMessage: %v", err)
	}
	decoded, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("UnmarshalMessage: %v", err)
	}

	if decoded.Header != original.Header {
		t.Errorf("header = %+v, want %+v", decoded.Header, original.Header)
	}
	if len(decoded.Descriptors) != 2 {
		t.Fatalf("decoded %d descriptors, want 2", len(decoded.Descriptors))
	}
	for i, descriptor := range decoded.Descriptors {
		if descriptor.Name != NullName {
			t.Errorf("descriptor %d carried name %v across the wire", i, descriptor.Name)
		}
		if descriptor.Type != original.Descriptors[i].Type || descriptor.Disposition != original.Descriptors[i].Disposition {
			t.Errorf("descriptor %d = %+v, want type/disposition of %+v", i, descriptor, original.Descriptors[i])
		}
	}

	var body map[string]uint64
	if err := decoded.DecodeBody(&body); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if body["size"] != 4096 {
		t.Errorf("body = %v", body)
	}
}

func TestNewMessageAssignsDistinctIDs(t *testing.T) {
	first, second := NewMessage("a"), NewMessage("a")
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("IDs %q and %q", first.ID, second.ID)
	}
	if first.Version != MessageVersion {
		t.Errorf("Version = %d, want %d", first.Version, MessageVersion)
	}
}

func TestValidateRejects(t *testing.T) {
	valid := NewMessage("k", PortDescriptor(1, DispositionCopySend))

	tests := []struct {
		name   string
		mutate func(*Message)
	}{
		{"wrong version", func(m *Message) { m.Version = 2 }},
		{"empty kind", func(m *Message) { m.Kind = "" }},
		{"count mismatch", func(m *Message) { m.DescriptorCount = 2 }},
		{"unknown descriptor type", func(m *Message) { m.Descriptors[0].Type = 0 }},
		{"unknown disposition", func(m *Message) { m.Descriptors[0].Disposition = 99 }},
		{"too many descriptors", func(m *Message) {
			m.Descriptors = make([]Descriptor, MaxDescriptors+1)
			for i := range m.Descriptors {
				m.Descriptors[i] = PortDescriptor(1, DispositionCopySend)
			}
			m.DescriptorCount = len(m.Descriptors)
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			message := valid
			message.Descriptors = append([]Descriptor(nil), valid.Descriptors...)
			test.mutate(&message)
			if err := message.Validate(); !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("Validate = %v, want ErrProtocolViolation", err)
			}
			if _, err := MarshalMessage(message); !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("MarshalMessage = %v, want ErrProtocolViolation", err)
			}
		})
	}
}

func TestUnmarshalMessageRejectsFutureVersion(t *testing.T) {
	data, err := codec.Marshal(wireMessage{Version: MessageVersion + 1, Kind: "k"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := UnmarshalMessage(data); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("UnmarshalMessage = %v, want ErrProtocolViolation", err)
	}
}

func TestUnmarshalMessageRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalMessage([]byte{0xff, 0x00}); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("UnmarshalMessage = %v, want ErrProtocolViolation", err)
	}
}

func TestExpect(t *testing.T) {
	message := NewMessage("rendezvous.task-control", PortDescriptor(3, DispositionCopySend))
	if err := message.Expect("rendezvous.task-control", 1); err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if err := message.Expect("rendezvous.replica-endpoint", 1); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Expect with wrong kind = %v", err)
	}
	if err := message.Expect("rendezvous.task-control", 0); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Expect with wrong descriptor count = %v", err)
	}
}
