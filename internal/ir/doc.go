// Package ir provides the shared domain types of tenantmig: migration
// definitions and their per-scope status, validation issues with their
// evidence shapes, backup snapshot metadata, and the declared tenancy model.
//
// It also owns the value IR used for captured rows and the canonical JSON
// encoding every checksum is computed over.
//
// This package contains type definitions and pure functions only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float values in the IR; captured floats travel as tagged strings
//   - Checksums are SHA-256 over canonical JSON with a domain prefix
//   - Status and snapshot JSON tags use snake_case; tenancy model tags
//     follow the CUE field names
package ir
