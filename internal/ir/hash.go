package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content checksums.
// Version suffix enables future algorithm migration.
const (
	DomainDefinition  = "tenantmig/definition/v1"
	DomainSnapshot    = "tenantmig/snapshot/v1"
	DomainRemediation = "tenantmig/remediation/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DefinitionChecksum computes the content checksum of a migration definition.
//
// Only the content an operator authors is covered: identity, name,
// description, scope flag, prerequisites, procedures and structural
// expectations. CreatedAt and the stored checksum itself are excluded, so the
// same CUE source always yields the same checksum.
func DefinitionChecksum(def MigrationDefinition) (string, error) {
	expect := make(IRArray, len(def.Expect))
	for i, o := range def.Expect {
		expect[i] = IRObject{
			"kind":  IRString(o.Kind),
			"table": IRString(o.Table),
			"name":  IRString(o.Name),
		}
	}

	obj := IRObject{
		"id":                  IRString(def.ID),
		"name":                IRString(def.Name),
		"description":         IRString(def.Description),
		"tenant_scoped":       IRBool(def.TenantScoped),
		"requires":            stringsToArray(def.Requires),
		"tables":              stringsToArray(def.Tables),
		"forward":             stringsToArray(def.Forward),
		"reverse":             stringsToArray(def.Reverse),
		"reverse_destructive": stringsToArray(def.ReverseDestructive),
		"expect":              expect,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DefinitionChecksum: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainDefinition, canonical), nil
}

// SnapshotChecksum computes the checksum of a stored snapshot payload.
// The payload is already canonical, so the exact stored bytes are hashed.
func SnapshotChecksum(payload []byte) string {
	return hashWithDomain(DomainSnapshot, payload)
}

// RemediationID computes a stable identity for a remediation so repeated
// fix passes over the same evidence log under the same id.
func RemediationID(category IssueCategory, target string, statements []string) (string, error) {
	obj := IRObject{
		"category":   IRString(category),
		"target":     IRString(target),
		"statements": stringsToArray(statements),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("RemediationID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRemediation, canonical)[:16], nil
}

// MustDefinitionChecksum is like DefinitionChecksum but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDefinitionChecksum(def MigrationDefinition) string {
	sum, err := DefinitionChecksum(def)
	if err != nil {
		panic(err)
	}
	return sum
}

func stringsToArray(ss []string) IRArray {
	arr := make(IRArray, len(ss))
	for i, s := range ss {
		arr[i] = IRString(s)
	}
	return arr
}
