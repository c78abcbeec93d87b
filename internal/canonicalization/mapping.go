package canonicalization

import (
	"fmt"

	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/syncerr"
)

// Mapper translates records between a Sheet's field names and a DB's column
// names for one TablePair, per its FieldMap. Fields not mentioned in the
// FieldMap are dropped in both directions.
type Mapper struct {
	pair model.TablePair
}

// NewMapper returns a Mapper bound to one TablePair's FieldMap and key_field.
func NewMapper(pair model.TablePair) *Mapper {
	return &Mapper{pair: pair}
}

// SheetToDB drops unmapped fields and translates a raw Sheet record into a DB
// record, also returning the key_field's value. Fails with MappingError when
// the key_field's Sheet-side column is missing or non-scalar.
func (m *Mapper) SheetToDB(sheetRecord map[string]model.Value) (keyValue string, dbRecord model.Record, err error) {
	dbRecord = make(model.Record, len(sheetRecord))

	for sheetField, v := range sheetRecord {
		col, ok := m.pair.FieldMap.DBColumn(sheetField)
		if !ok {
			continue
		}

		dbRecord[col] = v
	}

	rawKey, ok := dbRecord[m.pair.KeyField]
	if !ok {
		return "", nil, syncerr.New(syncerr.MappingError, "canonicalization.Mapper.SheetToDB",
			fmt.Errorf("key field %q missing from sheet record", m.pair.KeyField))
	}

	keyValue, err = scalarToString(rawKey)
	if err != nil {
		return "", nil, syncerr.New(syncerr.MappingError, "canonicalization.Mapper.SheetToDB",
			fmt.Errorf("key field %q: %w", m.pair.KeyField, err))
	}

	return keyValue, dbRecord, nil
}

// DBToSheet is the inverse of SheetToDB: it renders a DB row as a Sheet
// record, keyed by Sheet field name, with timestamps rendered in the Sheet's
// expected string form.
func (m *Mapper) DBToSheet(dbRow model.Record) (map[string]model.Value, error) {
	sheetRecord := make(map[string]model.Value, len(dbRow))

	for col, v := range dbRow {
		sheetField, ok := m.pair.FieldMap.SheetField(col)
		if !ok {
			continue
		}

		sheetRecord[sheetField] = renderForSheet(v)
	}

	return sheetRecord, nil
}

func renderForSheet(v model.Value) model.Value {
	nv, err := normalizeValue(v)
	if err != nil {
		// Rendering never fails the whole row on an unsupported type it can't
		// classify: it falls back to a deterministic string, matching the
		// "unsupported Sheet field types are stringified deterministically"
		// rule for the read path, which is more permissive than write-side
		// MappingError (§9 Open Question 2: unknown-on-read = ignore).
		return fmt.Sprintf("%v", v)
	}

	return nv
}

func scalarToString(v model.Value) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return fmt.Sprintf("%d", t), nil
	case int:
		return fmt.Sprintf("%d", t), nil
	case float64:
		return fmt.Sprintf("%v", t), nil
	default:
		return "", fmt.Errorf("non-scalar key value %T", v)
	}
}
