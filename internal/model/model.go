// Package model defines the entities the sync engine reasons about: the
// Record value type shared by both sides of a pair, the TablePair/FieldMap
// configuration unit, and the change-tracking types (Snapshot, LedgerEntry,
// QueueRow, ChangeEvent) that flow between components.
package model

import "time"

// Direction identifies which side of a TablePair originated a write.
type Direction string

const (
	// SheetToDB marks a write detected by the poller and applied to the DB.
	SheetToDB Direction = "S→D"
	// DBToSheet marks a write drained from the queue and applied to the Sheet.
	DBToSheet Direction = "D→S"
)

// Opposite returns the direction that would echo a write made in d.
func (d Direction) Opposite() Direction {
	if d == SheetToDB {
		return DBToSheet
	}

	return SheetToDB
}

// Action identifies the kind of change a ChangeEvent or QueueRow carries.
type Action string

const (
	Insert Action = "INSERT"
	Update Action = "UPDATE"
	Delete Action = "DELETE"
)

// QueueStatus is the lifecycle state of a QueueRow (§3 invariant 4).
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

// FieldMap is a mapping between the Sheet's field names and the DB's column
// names. Fields not mentioned are ignored in both directions. SheetToDB is a
// Go map, so the mapping keeps no field order.
type FieldMap struct {
	// SheetToDB maps sheet_field_name -> db_column_name.
	SheetToDB map[string]string `yaml:"sheet_to_db"`
}

// DBColumn returns the DB column a Sheet field maps to, and whether it is mapped.
func (m FieldMap) DBColumn(sheetField string) (string, bool) {
	col, ok := m.SheetToDB[sheetField]

	return col, ok
}

// SheetField returns the Sheet field a DB column maps to, and whether it is mapped.
// Computed on demand rather than cached: FieldMaps are small and built once at startup.
func (m FieldMap) SheetField(dbColumn string) (string, bool) {
	for sheetField, col := range m.SheetToDB {
		if col == dbColumn {
			return sheetField, true
		}
	}

	return "", false
}

// TablePair is the unit of configuration: one Sheet table kept in agreement
// with one DB table.
type TablePair struct {
	Name          string   `yaml:"name"`
	SheetDB       string   `yaml:"sheet_db"`
	SheetTable    string   `yaml:"sheet_table"`
	DBTable       string   `yaml:"db_table"`
	PollIntervalS int      `yaml:"poll_interval_s"`
	KeyField      string   `yaml:"key_field"`
	FieldMap      FieldMap `yaml:"field_map"`
}

// PollInterval returns the configured poll interval as a time.Duration.
func (p TablePair) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalS) * time.Second
}

// Value is the tagged value type every Record field holds: string, int64,
// float64, bool, a UTC timestamp, null (nil), or a list of strings
// (multi-select). Canonicalization is a total function over this set;
// any other underlying Go type reaching the boundary is a MappingError,
// never a silent coercion.
type Value any

// Record is a single mapped row: DB column name -> Value.
type Record map[string]Value

// Fingerprint is the lower-case hex MD5 digest of a Record's canonical JSON
// form, computed by internal/canonicalization. 32 hex characters.
type Fingerprint string

// Snapshot is the poller's last-observed view of one TablePair's Sheet side:
// external_id -> fingerprint of the last applied content for that id.
type Snapshot map[string]Fingerprint

// LedgerEntry records that the engine itself applied a write with the given
// fingerprint in the given direction, so the opposite direction can recognize
// and suppress the echo within window W.
type LedgerEntry struct {
	Fingerprint Fingerprint
	Direction   Direction
	AppliedAt   time.Time
}

// QueueRow is one row drained from the DB's trigger-populated sync_queue.
type QueueRow struct {
	ID            string
	Pair          string
	RecordID      string
	Action        Action
	OldJSON       []byte
	NewJSON       []byte
	SyncHash      string
	Status        QueueStatus
	RetryCount    int
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	NextAttemptAt *time.Time
	Error         string
}

// ChangeEvent is a detected or drained change, translated and ready to apply
// to the opposite side.
type ChangeEvent struct {
	Pair        string
	Action      Action
	ExternalID  string
	KeyValue    string
	Payload     Record
	Fingerprint Fingerprint
	Direction   Direction
	DetectedAt  time.Time
}
