package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lory7c/db-fs/internal/model"
)

// fingerprintLen is the fixed length of a Fingerprint's lower-case hex MD5
// digest (internal/canonicalization.Fingerprint), so snapshot records need
// only a length prefix for the variable-length external_id.
const fingerprintLen = 32

// SnapshotStore persists a poller's per-pair Snapshot ({external_id ->
// fingerprint}) to disk as length-prefixed binary records, so a restart
// resumes from the last observed state instead of re-emitting every row as a
// CREATE. Optional: a pair with no snapshot file simply cold-starts.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore roots snapshot files under dir, created if absent.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: failed to create snapshot directory: %w", err)
	}

	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) path(pair string) string {
	return filepath.Join(s.dir, pair+".snapshot")
}

// Exists reports whether pair has a persisted snapshot file, distinguishing a
// genuine cold start (no file yet) from a warm restart over an empty table
// (file present, zero records) — both load as an empty Snapshot via Load.
func (s *SnapshotStore) Exists(pair string) bool {
	_, err := os.Stat(s.path(pair))

	return err == nil
}

// Load reads a pair's persisted snapshot. A missing file is not an error: it
// returns an empty Snapshot, matching cold-start semantics (§4.3).
func (s *SnapshotStore) Load(pair string) (model.Snapshot, error) {
	f, err := os.Open(s.path(pair))
	if os.IsNotExist(err) {
		return model.Snapshot{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("storage: failed to open snapshot file: %w", err)
	}
	defer f.Close()

	snapshot := model.Snapshot{}
	r := bufio.NewReader(f)

	for {
		var idLen uint32

		if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
			if err == io.EOF {
				break
			}

			return nil, fmt.Errorf("storage: corrupt snapshot file for pair %q: %w", pair, err)
		}

		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, fmt.Errorf("storage: corrupt snapshot file for pair %q: %w", pair, err)
		}

		fpBytes := make([]byte, fingerprintLen)
		if _, err := io.ReadFull(r, fpBytes); err != nil {
			return nil, fmt.Errorf("storage: corrupt snapshot file for pair %q: %w", pair, err)
		}

		snapshot[string(idBytes)] = model.Fingerprint(fpBytes)
	}

	return snapshot, nil
}

// Save writes a pair's snapshot atomically: to a temp file in the same
// directory, then renamed over the target, so a crash mid-write never leaves
// a half-written snapshot behind.
func (s *SnapshotStore) Save(pair string, snapshot model.Snapshot) error {
	tmp, err := os.CreateTemp(s.dir, pair+".snapshot.*.tmp")
	if err != nil {
		return fmt.Errorf("storage: failed to create temp snapshot file: %w", err)
	}

	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)

	for externalID, fp := range snapshot {
		if len(fp) != fingerprintLen {
			_ = tmp.Close()
			_ = os.Remove(tmpName)

			return fmt.Errorf("storage: fingerprint for %q has length %d, want %d", externalID, len(fp), fingerprintLen)
		}

		if err := binary.Write(w, binary.BigEndian, uint32(len(externalID))); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)

			return fmt.Errorf("storage: failed to write snapshot record: %w", err)
		}

		if _, err := w.WriteString(externalID); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)

			return fmt.Errorf("storage: failed to write snapshot record: %w", err)
		}

		if _, err := w.WriteString(string(fp)); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)

			return fmt.Errorf("storage: failed to write snapshot record: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("storage: failed to flush snapshot file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("storage: failed to close temp snapshot file: %w", err)
	}

	if err := os.Rename(tmpName, s.path(pair)); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("storage: failed to install snapshot file: %w", err)
	}

	return nil
}

// Reset deletes a pair's persisted snapshot, forcing the next poll to
// cold-start. Backs `syncd --reset-snapshot <pair>`.
func (s *SnapshotStore) Reset(pair string) error {
	err := os.Remove(s.path(pair))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: failed to remove snapshot file: %w", err)
	}

	return nil
}
