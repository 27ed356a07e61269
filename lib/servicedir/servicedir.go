// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package servicedir is a name service reached through capability
// messages. A Server owns an endpoint that processes use as their
// bootstrap right; services register send rights under names, and
// clients look them up by sending a request that carries a reply right.
package servicedir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

const (
	KindLookup      capability.MessageKind = "servicedir.lookup"
	KindLookupReply capability.MessageKind = "servicedir.lookup-reply"
)

// ErrNotFound is returned by Lookup when no service is registered under
// the requested name.
var ErrNotFound = errors.New("servicedir: service not registered")

// lookupRequest is the body of a lookup. The message's one descriptor
// is the reply right.
type lookupRequest struct {
	Service string `cbor:"service"`
}

// Response is the body of every reply. On success the reply carries the
// registered right as its one descriptor.
type Response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
}

// Server answers lookups on its endpoint. Register services before or
// while Serve runs.
type Server struct {
	kernel capability.Kernel
	logger *slog.Logger
	port   capability.Name

	mu       sync.Mutex
	services map[string]capability.Name
	closed   bool
}

// NewServer allocates the directory endpoint with a send right under
// the same name, ready to be installed as a bootstrap right.
func NewServer(kernel capability.Kernel, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	port, err := kernel.AllocateReceive()
	if err != nil {
		return nil, capability.Wrap(capability.ErrEndpoint, "allocating directory endpoint", err)
	}
	if err := kernel.InsertSendRight(port); err != nil {
		kernel.Deallocate(port)
		return nil, capability.Wrap(capability.ErrEndpoint, "inserting directory send right", err)
	}
	return &Server{
		kernel:   kernel,
		logger:   logger,
		port:     port,
		services: make(map[string]capability.Name),
	}, nil
}

// Port is the directory endpoint. It carries both rights.
func (s *Server) Port() capability.Name { return s.port }

// Register publishes right under service. The directory copies the
// right to each client that looks it up; the caller keeps ownership.
func (s *Server) Register(service string, right capability.Name) error {
	if service == "" {
		return fmt.Errorf("servicedir: %w: empty service name", capability.ErrInvalidArgument)
	}
	if right == capability.NullName {
		return fmt.Errorf("servicedir: %w: registering %q with no right", capability.ErrInvalidArgument, service)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[service]; exists {
		return fmt.Errorf("servicedir: %w: %q is already registered", capability.ErrInvalidArgument, service)
	}
	s.services[service] = right
	s.logger.Debug("service registered", "service", service, "right", right)
	return nil
}

func (s *Server) lookup(service string) (capability.Name, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	right, ok := s.services[service]
	return right, ok
}

// Serve answers requests until ctx is cancelled or the Server is
// closed, then returns nil. It returns an error if the directory
// endpoint fails for any other reason.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Debug("service directory serving", "port", s.port)
	for {
		request, err := s.kernel.Receive(ctx, s.port)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return capability.Wrap(capability.ErrMessageTransfer, "receiving directory request", err)
		}
		s.handle(ctx, request)
	}
}

// Close releases the directory endpoint. Pending and later lookups fail
// with ErrDeadName.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return capability.Wrap(capability.ErrEndpoint, "releasing directory endpoint", s.kernel.Deallocate(s.port))
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handle(ctx context.Context, request capability.Message) {
	if err := request.Expect(KindLookup, 1); err != nil {
		s.logger.Warn("malformed directory request", "kind", request.Kind, "id", request.ID, "error", err)
		for _, descriptor := range request.Descriptors {
			s.kernel.Deallocate(descriptor.Name)
		}
		return
	}
	replyTo := request.Descriptors[0].Name
	defer s.kernel.Deallocate(replyTo)

	var body lookupRequest
	var reply capability.Message
	if err := request.DecodeBody(&body); err != nil {
		reply = s.errorReply(err.Error())
	} else if right, ok := s.lookup(body.Service); ok {
		reply = capability.NewMessage(KindLookupReply, capability.PortDescriptor(right, capability.DispositionCopySend))
		reply, err = reply.WithBody(Response{OK: true})
		if err != nil {
			reply = s.errorReply(err.Error())
		}
	} else {
		reply = s.errorReply(fmt.Sprintf("service %q not registered", body.Service))
	}

	if err := s.kernel.Send(ctx, replyTo, reply); err != nil {
		s.logger.Debug("directory reply failed", "service", body.Service, "id", request.ID, "error", err)
		return
	}
	s.logger.Debug("directory lookup answered", "service", body.Service, "found", reply.DescriptorCount == 1)
}

func (s *Server) errorReply(message string) capability.Message {
	// Response has no field that can fail to encode.
	reply, _ := capability.NewMessage(KindLookupReply).WithBody(Response{Error: message})
	return reply
}

// Lookup asks the directory reachable through directory (usually the
// bootstrap right) for service, and returns the caller's name for the
// registered right.
func Lookup(ctx context.Context, kernel capability.Kernel, directory capability.Name, service string) (capability.Name, error) {
	replyPort, err := kernel.AllocateReceive()
	if err != nil {
		return capability.NullName, capability.Wrap(capability.ErrEndpoint, "allocating lookup reply endpoint", err)
	}
	defer kernel.Deallocate(replyPort)

	request, err := capability.NewMessage(KindLookup, capability.PortDescriptor(replyPort, capability.DispositionMakeSend)).
		WithBody(lookupRequest{Service: service})
	if err != nil {
		return capability.NullName, err
	}
	if err := kernel.Send(ctx, directory, request); err != nil {
		return capability.NullName, capability.Wrap(capability.ErrMessageTransfer, "sending lookup for "+service, err)
	}
	reply, err := kernel.Receive(ctx, replyPort)
	if err != nil {
		return capability.NullName, capability.Wrap(capability.ErrMessageTransfer, "receiving lookup reply for "+service, err)
	}

	var response Response
	if err := reply.DecodeBody(&response); err != nil {
		return capability.NullName, capability.Wrap(capability.ErrMessageTransfer, "decoding lookup reply", err)
	}
	if !response.OK {
		for _, descriptor := range reply.Descriptors {
			kernel.Deallocate(descriptor.Name)
		}
		return capability.NullName, fmt.Errorf("%w: %s", ErrNotFound, response.Error)
	}
	if err := reply.Expect(KindLookupReply, 1); err != nil {
		for _, descriptor := range reply.Descriptors {
			kernel.Deallocate(descriptor.Name)
		}
		return capability.NullName, capability.Wrap(capability.ErrMessageTransfer, "receiving lookup reply for "+service, err)
	}
	return reply.Descriptors[0].Name, nil
}
