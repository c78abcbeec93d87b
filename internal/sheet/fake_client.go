package sheet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/syncerr"
)

// FakeClient is an in-memory Client used by poller/queue-consumer unit and
// integration tests in place of a real Sheet API.
type FakeClient struct {
	mu      sync.Mutex
	tables  map[string]map[string]map[string]model.Value // sheetDB/table -> external_id -> fields
	nextErr error
}

// NewFakeClient returns an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{tables: make(map[string]map[string]map[string]model.Value)}
}

// FailNext makes the next call return err instead of touching the fake state.
func (f *FakeClient) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextErr = err
}

func (f *FakeClient) takeErr() error {
	err := f.nextErr
	f.nextErr = nil

	return err
}

func (f *FakeClient) tableKey(sheetDB, sheetTable string) string {
	return sheetDB + "/" + sheetTable
}

// Seed directly installs a record, bypassing CreateRecord — for test setup.
func (f *FakeClient) Seed(sheetDB, sheetTable, externalID string, fields map[string]model.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := f.tableKey(sheetDB, sheetTable)
	if f.tables[key] == nil {
		f.tables[key] = make(map[string]map[string]model.Value)
	}

	f.tables[key][externalID] = fields
}

func (f *FakeClient) ListRecords(_ context.Context, sheetDB, sheetTable string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeErr(); err != nil {
		return nil, err
	}

	key := f.tableKey(sheetDB, sheetTable)

	records := make([]Record, 0, len(f.tables[key]))
	for externalID, fields := range f.tables[key] {
		records = append(records, Record{ExternalID: externalID, Fields: fields})
	}

	return records, nil
}

func (f *FakeClient) CreateRecord(
	_ context.Context, sheetDB, sheetTable string, fields map[string]model.Value,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeErr(); err != nil {
		return "", err
	}

	key := f.tableKey(sheetDB, sheetTable)
	if f.tables[key] == nil {
		f.tables[key] = make(map[string]map[string]model.Value)
	}

	externalID := uuid.New().String()
	f.tables[key][externalID] = fields

	return externalID, nil
}

func (f *FakeClient) UpdateRecord(
	_ context.Context, sheetDB, sheetTable, externalID string, fields map[string]model.Value,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeErr(); err != nil {
		return err
	}

	key := f.tableKey(sheetDB, sheetTable)
	if f.tables[key] == nil || f.tables[key][externalID] == nil {
		return syncerr.New(syncerr.NotFound, "sheet.FakeClient.UpdateRecord",
			fmt.Errorf("no record %s in %s", externalID, key))
	}

	f.tables[key][externalID] = fields

	return nil
}

func (f *FakeClient) DeleteRecord(_ context.Context, sheetDB, sheetTable, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeErr(); err != nil {
		return err
	}

	key := f.tableKey(sheetDB, sheetTable)
	delete(f.tables[key], externalID)

	return nil
}

func (f *FakeClient) Query(
	_ context.Context, sheetDB, sheetTable, field string, value model.Value,
) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeErr(); err != nil {
		return nil, err
	}

	key := f.tableKey(sheetDB, sheetTable)

	for externalID, fields := range f.tables[key] {
		if fmt.Sprintf("%v", fields[field]) == fmt.Sprintf("%v", value) {
			return &Record{ExternalID: externalID, Fields: fields}, nil
		}
	}

	return nil, syncerr.New(syncerr.NotFound, "sheet.FakeClient.Query",
		fmt.Errorf("no record with %s = %v", field, value))
}
