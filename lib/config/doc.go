// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides file configuration for the rendezvous binary.
//
// Configuration is loaded from a single file specified by either the
// RENDEZVOUS_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no automatic discovery. Running
// without a file means running on [Default].
//
// Files ending in .json or .jsonc are read as JSON with comments and
// trailing commas allowed; anything else is read as YAML.
//
// The file may contain environment-specific sections (development,
// production) that override base values when [Config].Environment
// matches. Production defaults to JSON log output.
//
// Key exports:
//
//   - [Config] -- master struct with Kernel, Rendezvous, Region, Logging
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- checks every field and reports all problems
//
// This package depends on no other rendezvous packages.
package config
