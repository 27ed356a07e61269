// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package unixkernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

// ReplicaEnvironment is the environment variable that marks a process
// started by Spawner. Its value is "<has bootstrap>:<inherited files>".
const ReplicaEnvironment = "CAPABILITY_REPLICA"

// bootstrapDescriptorNumber is where a replica finds its bootstrap
// right. Inherited files follow it.
const bootstrapDescriptorNumber = 3

// Spawner duplicates the calling process by starting a new instance of
// its executable. The replica inherits the parent's bootstrap right at
// the moment of the call and the given files; it inherits nothing else.
// The replica must call InheritedStart early in main to pick them up.
type Spawner struct {
	// Path is the executable to run. Empty means /proc/self/exe.
	Path string

	// Args are the arguments after argv[0]. Nil means os.Args[1:].
	Args []string

	// Env is the replica's environment before the replica marker is
	// added. Nil means os.Environ().
	Env []string

	// Stdout and Stderr receive the replica's output. Nil means the
	// parent's.
	Stdout io.Writer
	Stderr io.Writer

	// Logger receives lifecycle records. Nil discards them.
	Logger *slog.Logger
}

var _ capability.Duplicator = (*Spawner)(nil)

// Duplicate implements capability.Duplicator.
func (s *Spawner) Duplicate(ctx context.Context, parent capability.Kernel, inherited ...*os.File) (capability.Replica, error) {
	kernel, ok := parent.(*Kernel)
	if !ok {
		return nil, fmt.Errorf("%w: spawner needs a unixkernel parent, got %T", capability.ErrInvalidArgument, parent)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	bootstrapFD, err := kernel.bootstrapDescriptor()
	if err != nil {
		return nil, err
	}
	var bootstrap *os.File
	if bootstrapFD >= 0 {
		bootstrap = os.NewFile(uintptr(bootstrapFD), "bootstrap")
		// The child has its own copy once started.
		defer bootstrap.Close()
	}

	path := s.Path
	if path == "" {
		path = "/proc/self/exe"
	}
	args := s.Args
	if args == nil {
		args = os.Args[1:]
	}
	environment := s.Env
	if environment == nil {
		environment = os.Environ()
	}
	hasBootstrap := 0
	if bootstrap != nil {
		hasBootstrap = 1
	}

	command := exec.Command(path, args...)
	command.Env = append(withoutReplicaMarker(environment),
		fmt.Sprintf("%s=%d:%d", ReplicaEnvironment, hasBootstrap, len(inherited)))
	// A nil entry leaves descriptor 3 closed in the child when there is
	// no bootstrap right.
	command.ExtraFiles = append([]*os.File{bootstrap}, inherited...)
	command.Stdout = s.Stdout
	if command.Stdout == nil {
		command.Stdout = os.Stdout
	}
	command.Stderr = s.Stderr
	if command.Stderr == nil {
		command.Stderr = os.Stderr
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("starting replica %s: %w", path, err)
	}

	handle := &spawned{command: command, done: make(chan struct{})}
	go func() {
		err := command.Wait()
		handle.mu.Lock()
		handle.err = err
		handle.mu.Unlock()
		close(handle.done)
		logger.Debug("replica exited", "pid", command.Process.Pid, "error", err)
	}()
	logger.Debug("replica started", "pid", command.Process.Pid, "inherited_files", len(inherited), "has_bootstrap", hasBootstrap == 1)
	return handle, nil
}

func withoutReplicaMarker(environment []string) []string {
	result := make([]string, 0, len(environment)+1)
	for _, variable := range environment {
		if !strings.HasPrefix(variable, ReplicaEnvironment+"=") {
			result = append(result, variable)
		}
	}
	return result
}

type spawned struct {
	command *exec.Cmd
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (s *spawned) ID() int { return s.command.Process.Pid }

func (s *spawned) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *spawned) Kill() error {
	err := s.command.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// IsReplica reports whether the calling process was started by Spawner.
func IsReplica() bool {
	_, ok := os.LookupEnv(ReplicaEnvironment)
	return ok
}

// InheritedStart rebuilds the replica's starting state from the
// descriptors and environment Spawner left for it. It returns ok=false
// in a process that Spawner did not start. The marker is removed from
// the environment so the replica can spawn replicas of its own.
func InheritedStart(config Config) (start capability.ReplicaStart, ok bool, err error) {
	value, present := os.LookupEnv(ReplicaEnvironment)
	if !present {
		return capability.ReplicaStart{}, false, nil
	}
	os.Unsetenv(ReplicaEnvironment)

	hasBootstrap, files, err := parseReplicaMarker(value)
	if err != nil {
		return capability.ReplicaStart{}, true, err
	}

	bootstrapFD := -1
	if hasBootstrap {
		bootstrapFD = bootstrapDescriptorNumber
		unix.CloseOnExec(bootstrapFD)
		kind, _, _, _, err := classify(bootstrapFD)
		if err != nil {
			return capability.ReplicaStart{}, true, fmt.Errorf("inherited bootstrap: %w", err)
		}
		if kind != rightEndpoint {
			return capability.ReplicaStart{}, true, fmt.Errorf("%w: inherited bootstrap is not an endpoint", capability.ErrInvalidRight)
		}
	}

	inherited := make([]*os.File, files)
	for i := range files {
		fd := bootstrapDescriptorNumber + 1 + i
		unix.CloseOnExec(fd)
		inherited[i] = os.NewFile(uintptr(fd), "inherited-"+strconv.Itoa(i))
	}

	kernel, err := newKernel(config, bootstrapFD)
	if err != nil {
		for _, file := range inherited {
			file.Close()
		}
		return capability.ReplicaStart{}, true, err
	}
	return capability.ReplicaStart{Kernel: kernel, Files: inherited}, true, nil
}

func parseReplicaMarker(value string) (bool, int, error) {
	bootstrapField, filesField, found := strings.Cut(value, ":")
	if !found {
		return false, 0, fmt.Errorf("%w: malformed %s value %q", capability.ErrInvalidArgument, ReplicaEnvironment, value)
	}
	hasBootstrap, err := strconv.ParseBool(bootstrapField)
	if err != nil {
		return false, 0, fmt.Errorf("%w: malformed %s value %q", capability.ErrInvalidArgument, ReplicaEnvironment, value)
	}
	files, err := strconv.Atoi(filesField)
	if err != nil || files < 0 || files > 64 {
		return false, 0, fmt.Errorf("%w: malformed %s value %q", capability.ErrInvalidArgument, ReplicaEnvironment, value)
	}
	return hasBootstrap, files, nil
}
