package poller

import (
	"time"

	"github.com/lory7c/db-fs/internal/model"
)

// mappedRecord is one Sheet record after field-mapping and fingerprinting,
// ready to compare against the previous tick's snapshot.
type mappedRecord struct {
	ExternalID  string
	KeyValue    string
	Payload     model.Record
	Fingerprint model.Fingerprint
}

// diffSnapshot compares the current full read against the last snapshot and
// returns upserts (CREATE/UPDATE) and deletes separately, since §4.3 requires
// applying CREATE/UPDATE before DELETE within a tick. A record whose
// fingerprint is unchanged from the snapshot is a no-op and produces neither.
func diffSnapshot(pairName string, old model.Snapshot, current []mappedRecord) (
	upserts, deletes []model.ChangeEvent, newSnapshot model.Snapshot,
) {
	newSnapshot = make(model.Snapshot, len(current))
	seen := make(map[string]bool, len(current))

	for _, rec := range current {
		seen[rec.ExternalID] = true
		newSnapshot[rec.ExternalID] = rec.Fingerprint

		oldFP, existed := old[rec.ExternalID]
		if existed && oldFP == rec.Fingerprint {
			continue
		}

		action := model.Insert
		if existed {
			action = model.Update
		}

		upserts = append(upserts, model.ChangeEvent{
			Pair:        pairName,
			Action:      action,
			ExternalID:  rec.ExternalID,
			KeyValue:    rec.KeyValue,
			Payload:     rec.Payload,
			Fingerprint: rec.Fingerprint,
			Direction:   model.SheetToDB,
			DetectedAt:  time.Now(),
		})
	}

	for externalID, fp := range old {
		if seen[externalID] {
			continue
		}

		deletes = append(deletes, model.ChangeEvent{
			Pair:        pairName,
			Action:      model.Delete,
			ExternalID:  externalID,
			Fingerprint: fp,
			Direction:   model.SheetToDB,
			DetectedAt:  time.Now(),
		})
	}

	return upserts, deletes, newSnapshot
}
