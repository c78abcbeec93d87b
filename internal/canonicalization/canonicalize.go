// Package canonicalization gives both directions of a pair a stable identity
// and content hash. Canonicalize produces a deterministic, type-normalized
// view of a Record; Fingerprint hashes that view. Canonicalization is a total
// function: every Value variant has a defined normalization, and a value that
// is not one of the tagged variants is a MappingError, never a silent coercion.
package canonicalization

import (
	"crypto/md5" //nolint:gosec // MD5 chosen to match the upstream DB trigger's hash, not for security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/syncerr"
)

// SystemColumns are excluded from canonicalization on both sides: they carry
// provenance/bookkeeping, not content, and including them would make every
// engine-applied write fingerprint differently from the edit that produced it.
var SystemColumns = map[string]bool{
	"_sync_source": true,
	"id":           true,
	"updated_at":   true,
}

// Canonicalize converts a Record into a canonical map ready for hashing: DB
// system columns are dropped, every value is normalized per its tagged type,
// and the result is meant to be marshaled with sorted keys (encoding/json
// sorts map[string]any keys lexicographically, which is what we rely on).
func Canonicalize(rec model.Record) (map[string]any, error) {
	out := make(map[string]any, len(rec))

	for col, v := range rec {
		if SystemColumns[col] {
			continue
		}

		nv, err := normalizeValue(v)
		if err != nil {
			return nil, syncerr.New(syncerr.MappingError, "canonicalization.Canonicalize",
				fmt.Errorf("column %q: %w", col, err))
		}

		if nv == nil {
			continue // null -> absent, per §4.1
		}

		out[col] = nv
	}

	return out, nil
}

// Fingerprint computes the MD5 (the reference choice, matching the DB
// trigger's own hash — see §9 Open Question 1, always recomputed here rather
// than trusted from sync_hash) over the canonical JSON encoding of a
// canonical map produced by Canonicalize.
func Fingerprint(canonical map[string]any) (model.Fingerprint, error) {
	buf, err := json.Marshal(canonical)
	if err != nil {
		return "", syncerr.New(syncerr.MappingError, "canonicalization.Fingerprint", err)
	}

	sum := md5.Sum(buf) //nolint:gosec

	return model.Fingerprint(hex.EncodeToString(sum[:])), nil
}

// FingerprintRecord is the common-case helper: canonicalize then hash.
func FingerprintRecord(rec model.Record) (model.Fingerprint, error) {
	canonical, err := Canonicalize(rec)
	if err != nil {
		return "", err
	}

	return Fingerprint(canonical)
}

// normalizeValue applies the per-type normalization of §4.1:
//
//	int -> int64
//	float -> float64 truncated to 9-digit precision
//	string -> NFC-normalized, trimmed
//	null -> nil (caller drops the key)
//	timestamp -> RFC3339 UTC truncated to seconds
//	array -> sorted+deduped (treated as a set) for []string
//
// Anything else is an error: canonicalization never silently coerces.
func normalizeValue(v model.Value) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return normalizeString(t), nil
	case bool:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float32:
		return truncateFloat(float64(t)), nil
	case float64:
		return truncateFloat(t), nil
	case time.Time:
		return t.UTC().Truncate(time.Second).Format(time.RFC3339), nil
	case []string:
		return normalizeStringSet(t), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func normalizeString(s string) string {
	return trimSpace(norm.NFC.String(s))
}

// trimSpace avoids importing strings just for TrimSpace in a one-line helper
// the rest of the package otherwise has no use for; kept local for clarity.
func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}

	for end > start && isSpace(s[end-1]) {
		end--
	}

	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func truncateFloat(f float64) float64 {
	const scale = 1e9 // 9-digit precision, per §4.1

	return float64(int64(f*scale)) / scale
}

func normalizeStringSet(vals []string) []string {
	seen := make(map[string]bool, len(vals))
	out := make([]string, 0, len(vals))

	for _, v := range vals {
		nv := normalizeString(v)
		if !seen[nv] {
			seen[nv] = true

			out = append(out, nv)
		}
	}

	sort.Strings(out)

	return out
}
