// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/rendezvous/lib/capability"
	"github.com/bureau-foundation/rendezvous/lib/capability/simkernel"
	"github.com/bureau-foundation/rendezvous/lib/clock"
	"github.com/bureau-foundation/rendezvous/lib/config"
	"github.com/bureau-foundation/rendezvous/lib/process"
	"github.com/bureau-foundation/rendezvous/lib/rendezvous"
	"github.com/bureau-foundation/rendezvous/lib/testutil"
)

const testTimeout = 10 * time.Second

func testScenario(t *testing.T, clk clock.Clock, modify func(*config.Config)) *scenario {
	t.Helper()
	cfg := config.Default()
	cfg.Kernel.Backend = config.BackendSim
	cfg.Rendezvous.ReceiveTimeout = "5s"
	if modify != nil {
		modify(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	s, err := newScenario(cfg, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newScenario: %v", err)
	}
	return s
}

// logFile returns a file to pass as run's stderr, and a function that
// returns the JSON records written to it.
func logFile(t *testing.T) (*os.File, func() []map[string]any) {
	t.Helper()
	file, err := os.Create(filepath.Join(t.TempDir(), "stderr.log"))
	if err != nil {
		t.Fatalf("creating log file: %v", err)
	}
	t.Cleanup(func() { file.Close() })
	return file, func() []map[string]any {
		t.Helper()
		contents, err := os.Open(file.Name())
		if err != nil {
			t.Fatalf("opening log file: %v", err)
		}
		defer contents.Close()
		var records []map[string]any
		scanner := bufio.NewScanner(contents)
		for scanner.Scan() {
			var record map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
				continue
			}
			records = append(records, record)
		}
		return records
	}
}

func findRecord(records []map[string]any, message string) map[string]any {
	for _, record := range records {
		if record["msg"] == message {
			return record
		}
	}
	return nil
}

func TestOriginateOnSimulatedKernel(t *testing.T) {
	tests := []struct {
		name     string
		size     string
		sentinel uint32
		wantSize uint64
	}{
		{"one byte", "1", 42, 4096},
		{"one page", "4096", 42, 4096},
		{"page and a byte", "4097", 42, 8192},
		{"custom sentinel", "4 KiB", 0xfeedface, 4096},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := testScenario(t, clock.Real(), func(cfg *config.Config) {
				cfg.Region.Size = test.size
				cfg.Region.Sentinel = test.sentinel
			})
			backend, err := openSimBackend(s)
			if err != nil {
				t.Fatalf("openSimBackend: %v", err)
			}
			defer backend.close()

			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			result, err := s.originate(ctx, backend.kernel, backend.duplicator)
			if err != nil {
				t.Fatalf("originate: %v", err)
			}
			if result.sentinel != test.sentinel {
				t.Errorf("replica reported sentinel %d, want %d", result.sentinel, test.sentinel)
			}
			if result.size != test.wantSize {
				t.Errorf("region size = %d, want %d", result.size, test.wantSize)
			}
			if result.remoteAddress == 0 {
				t.Error("remote address is zero")
			}
		})
	}
}

func TestOriginateTimesOutWhenReplicaNeverAnswers(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	s := testScenario(t, fake, func(cfg *config.Config) {
		cfg.Rendezvous.ReceiveTimeout = "2s"
	})
	backend, err := openSimBackend(s)
	if err != nil {
		t.Fatalf("openSimBackend: %v", err)
	}
	defer backend.close()
	machine := backend.duplicator.(*simkernel.Duplicator).Machine
	silent := &simkernel.Duplicator{
		Machine: machine,
		Entry: func(ctx context.Context, start capability.ReplicaStart) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.originate(context.Background(), backend.kernel, silent)
		done <- err
	}()

	fake.WaitForTimers(1)
	testutil.RequireBlocked(t, done, 20*time.Millisecond, "originate returned before the timeout")
	fake.Advance(2 * time.Second)

	err = testutil.RequireReceive(t, done, testTimeout, "originate after timeout")
	testutil.RequireErrorIs(t, err, capability.ErrMessageTransfer, capability.ErrTimeout)
	if code := process.ExitCode(err); code != process.ExitMessage {
		t.Errorf("ExitCode = %d, want %d", code, process.ExitMessage)
	}
}

func TestOriginateReportsMemoryObjectFailure(t *testing.T) {
	s := testScenario(t, clock.Real(), func(cfg *config.Config) {
		cfg.Kernel.MemoryLimit = "4 KiB"
		cfg.Region.Size = "64 KiB"
	})
	backend, err := openSimBackend(s)
	if err != nil {
		t.Fatalf("openSimBackend: %v", err)
	}
	defer backend.close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = s.originate(ctx, backend.kernel, backend.duplicator)
	testutil.RequireErrorIs(t, err, capability.ErrMemoryObject)
	if code := process.ExitCode(err); code != process.ExitMemoryObject {
		t.Errorf("ExitCode = %d, want %d", code, process.ExitMemoryObject)
	}
}

func TestOriginateSurfacesReplicaFailure(t *testing.T) {
	s := testScenario(t, clock.Real(), nil)
	backend, err := openSimBackend(s)
	if err != nil {
		t.Fatalf("openSimBackend: %v", err)
	}
	defer backend.close()
	machine := backend.duplicator.(*simkernel.Duplicator).Machine
	errReplica := errors.New("replica gave up after the rendezvous")
	// The replica completes the rendezvous, then exits without reading
	// the region or reporting.
	broken := &simkernel.Duplicator{
		Machine: machine,
		Entry: func(ctx context.Context, start capability.ReplicaStart) error {
			replica, err := rendezvous.NewProcess(rendezvous.ProcessConfig{Kernel: start.Kernel, ReceiveTimeout: testTimeout})
			if err != nil {
				return err
			}
			if _, err := replica.Replicate(ctx); err != nil {
				return err
			}
			return errReplica
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = s.originate(ctx, backend.kernel, broken)
	if err == nil {
		t.Fatal("originate succeeded with a failing replica")
	}
	// Depending on when the replica's task goes away, either the remote
	// mapping fails or the replica's own failure is reported.
	if !errors.Is(err, errReplica) && !errors.Is(err, capability.ErrRemoteMapping) {
		t.Errorf("originate error = %v, want the replica's failure or a remote mapping failure", err)
	}
}

func TestRunSimulatedKernel(t *testing.T) {
	stderr, records := logFile(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := run(ctx, []string{"--kernel", "sim", "--size", "5000", "--sentinel", "7"}, stderr)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	complete := findRecord(records(), "scenario complete")
	if complete == nil {
		t.Fatal("no scenario complete record")
	}
	if complete["sentinel"] != float64(7) {
		t.Errorf("sentinel = %v, want 7", complete["sentinel"])
	}
	if complete["region_size"] != float64(8192) {
		t.Errorf("region_size = %v, want 8192", complete["region_size"])
	}
	if complete["backend"] != config.BackendSim {
		t.Errorf("backend = %v", complete["backend"])
	}
}

func TestRunDefaultRegionIsRounded(t *testing.T) {
	stderr, records := logFile(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := run(ctx, []string{"--kernel", "sim"}, stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	complete := findRecord(records(), "scenario complete")
	if complete == nil {
		t.Fatal("no scenario complete record")
	}
	// 8000 bytes rounds up to two 4 KiB pages.
	if complete["region_size"] != float64(8192) {
		t.Errorf("region_size = %v, want 8192", complete["region_size"])
	}
	if complete["sentinel"] != float64(42) {
		t.Errorf("sentinel = %v, want 42", complete["sentinel"])
	}
}

func TestRunWithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rendezvous.jsonc")
	content := `{
  // Simulated backend, small pages.
  "kernel": {"backend": "sim", "page_size": 1024},
  "region": {"size": "1500", "sentinel": 9},
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	stderr, records := logFile(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := run(ctx, []string{"--config", path}, stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	complete := findRecord(records(), "scenario complete")
	if complete == nil {
		t.Fatal("no scenario complete record")
	}
	if complete["region_size"] != float64(2048) {
		t.Errorf("region_size = %v, want 2048", complete["region_size"])
	}
	if complete["sentinel"] != float64(9) {
		t.Errorf("sentinel = %v, want 9", complete["sentinel"])
	}
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--frobnicate"}},
		{"positional argument", []string{"--kernel", "sim", "extra"}},
		{"unknown backend", []string{"--kernel", "mach"}},
		{"zero size", []string{"--kernel", "sim", "--size", "0"}},
		{"missing config", []string{"--config", "/nonexistent/rendezvous.yaml"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			stderr, _ := logFile(t)
			err := run(context.Background(), test.args, stderr)
			if err == nil {
				t.Fatal("run succeeded")
			}
			if test.name == "missing config" {
				if code := process.ExitCode(err); code != process.ExitFailure {
					t.Errorf("ExitCode = %d, want %d", code, process.ExitFailure)
				}
				return
			}
			if code := process.ExitCode(err); code != process.ExitUsage {
				t.Errorf("ExitCode(%v) = %d, want %d", err, code, process.ExitUsage)
			}
		})
	}
}

func TestRunHelp(t *testing.T) {
	stderr, _ := logFile(t)
	if err := run(context.Background(), []string{"--help"}, stderr); err != nil {
		t.Errorf("run --help: %v", err)
	}
}
