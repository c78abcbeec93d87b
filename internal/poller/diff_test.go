package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lory7c/db-fs/internal/model"
)

func TestDiffSnapshot_NewRecordIsInsert(t *testing.T) {
	current := []mappedRecord{{ExternalID: "ext_1", KeyValue: "1", Fingerprint: "fp1"}}

	upserts, deletes, newSnapshot := diffSnapshot("customers", model.Snapshot{}, current)

	assert.Empty(t, deletes)
	assert.Len(t, upserts, 1)
	assert.Equal(t, model.Insert, upserts[0].Action)
	assert.Equal(t, model.Snapshot{"ext_1": "fp1"}, newSnapshot)
}

func TestDiffSnapshot_ChangedFingerprintIsUpdate(t *testing.T) {
	old := model.Snapshot{"ext_1": "fp1"}
	current := []mappedRecord{{ExternalID: "ext_1", KeyValue: "1", Fingerprint: "fp2"}}

	upserts, deletes, newSnapshot := diffSnapshot("customers", old, current)

	assert.Empty(t, deletes)
	assert.Len(t, upserts, 1)
	assert.Equal(t, model.Update, upserts[0].Action)
	assert.Equal(t, model.Snapshot{"ext_1": "fp2"}, newSnapshot)
}

func TestDiffSnapshot_UnchangedFingerprintIsNoOp(t *testing.T) {
	old := model.Snapshot{"ext_1": "fp1"}
	current := []mappedRecord{{ExternalID: "ext_1", KeyValue: "1", Fingerprint: "fp1"}}

	upserts, deletes, newSnapshot := diffSnapshot("customers", old, current)

	assert.Empty(t, upserts)
	assert.Empty(t, deletes)
	assert.Equal(t, old, newSnapshot)
}

func TestDiffSnapshot_MissingFromCurrentIsDelete(t *testing.T) {
	old := model.Snapshot{"ext_1": "fp1"}

	upserts, deletes, newSnapshot := diffSnapshot("customers", old, nil)

	assert.Empty(t, upserts)
	assert.Len(t, deletes, 1)
	assert.Equal(t, model.Delete, deletes[0].Action)
	assert.Equal(t, "ext_1", deletes[0].ExternalID)
	assert.Empty(t, newSnapshot)
}

func TestDiffSnapshot_MixedBatch(t *testing.T) {
	old := model.Snapshot{
		"ext_stay":   "fp_stay",
		"ext_change": "fp_old",
		"ext_gone":   "fp_gone",
	}
	current := []mappedRecord{
		{ExternalID: "ext_stay", KeyValue: "1", Fingerprint: "fp_stay"},
		{ExternalID: "ext_change", KeyValue: "2", Fingerprint: "fp_new"},
		{ExternalID: "ext_new", KeyValue: "3", Fingerprint: "fp_brand_new"},
	}

	upserts, deletes, newSnapshot := diffSnapshot("customers", old, current)

	assert.Len(t, upserts, 2)
	assert.Len(t, deletes, 1)
	assert.Equal(t, "ext_gone", deletes[0].ExternalID)
	assert.Len(t, newSnapshot, 3)
}
