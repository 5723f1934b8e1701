package ir

import "time"

// SnapshotStatus is the lifecycle state of a backup snapshot.
type SnapshotStatus string

const (
	SnapshotInProgress SnapshotStatus = "in_progress"
	SnapshotCompleted  SnapshotStatus = "completed"
	SnapshotFailed     SnapshotStatus = "failed"
)

// SnapshotTable records one captured table and its row count.
type SnapshotTable struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// BackupSnapshot is the metadata of a checksum-verified copy of the rows a
// scope owns in a set of tables.
type BackupSnapshot struct {
	ID        string          `json:"id"`
	Scope     Scope           `json:"scope"`
	CreatedAt time.Time       `json:"created_at"`
	Checksum  string          `json:"checksum"`
	SizeBytes int64           `json:"size_bytes"`
	Tables    []SnapshotTable `json:"tables"`
	Status    SnapshotStatus  `json:"status"`
	Location  string          `json:"location"`
	Reason    string          `json:"reason,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TableNames returns the covered table names in capture order.
func (s BackupSnapshot) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// RowCount returns the captured row count of a table, or -1 if the table
// is not covered.
func (s BackupSnapshot) RowCount(table string) int64 {
	for _, t := range s.Tables {
		if t.Name == table {
			return t.Rows
		}
	}
	return -1
}

// BackupSchedule is a durable cron-driven snapshot schedule. NextRunAt is
// recomputed by reconciliation whenever a process starts.
type BackupSchedule struct {
	ID             string        `json:"id"`
	Scope          Scope         `json:"scope"`
	Tables         []string      `json:"tables"`
	Spec           string        `json:"spec"`
	Retention      time.Duration `json:"retention"`
	NextRunAt      time.Time     `json:"next_run_at,omitzero"`
	LastRunAt      time.Time     `json:"last_run_at,omitzero"`
	LastSnapshotID string        `json:"last_snapshot_id,omitempty"`
	Enabled        bool          `json:"enabled"`
}
