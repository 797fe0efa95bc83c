// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads YAML configuration for the syncpad binaries.
//
// Configuration comes from a single file passed via --config (or the
// SYNCPAD_CONFIG environment variable). There is no automatic
// discovery — a missing file is an error, not a silent fallback, so
// deployments stay auditable.
package config
