package ir

// Version constants.
const (
	// SnapshotFormat identifies the snapshot payload layout.
	SnapshotFormat = "tenantmig/snapshot/v1"

	// Version is the tenantmig release version.
	Version = "0.1.0"
)
