package loader

import (
	"context"
	"sync"

	"tollwarehouse/internal/storage"
)

// fakeRepo is an in-memory storage.MultiRepository.
//
// existing[table] seeds business id -> key pairs returned by the lookups;
// maxKey[table] is returned by SelectMaxInt. failFact is called for every fact
// row of an insert; the whole insert fails if it returns an error.
type fakeRepo struct {
	mu sync.Mutex

	existing map[string]map[string]int64
	maxKey   map[string]int64
	failFact func(row []any) error

	ensured     int
	inserts     map[string][][]any
	lookupCalls map[string]int
	prewarmed   map[string]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		existing:    map[string]map[string]int64{},
		maxKey:      map[string]int64{},
		inserts:     map[string][][]any{},
		lookupCalls: map[string]int{},
		prewarmed:   map[string]int{},
	}
}

func (f *fakeRepo) Close() {}

func (f *fakeRepo) EnsureTables(context.Context, []storage.TableSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return nil
}

func (f *fakeRepo) InsertRows(_ context.Context, table string, _ []string, rows [][]any, _ []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if table == "fact_transactions" && f.failFact != nil {
		for _, r := range rows {
			if err := f.failFact(r); err != nil {
				return 0, err
			}
		}
	}
	for _, r := range rows {
		f.inserts[table] = append(f.inserts[table], append([]any(nil), r...))
	}
	return int64(len(rows)), nil
}

func (f *fakeRepo) SelectKeyValueByKeys(_ context.Context, table, _, _ string, keys []any) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls[table]++

	out := map[string]int64{}
	for _, k := range keys {
		nk := storage.NormalizeKey(k)
		if v, ok := f.existing[table][nk]; ok {
			out[nk] = v
		}
	}
	return out, nil
}

func (f *fakeRepo) SelectAllKeyValue(_ context.Context, table, _, _ string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prewarmed[table]++

	out := map[string]int64{}
	for k, v := range f.existing[table] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRepo) SelectMaxInt(_ context.Context, table, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxKey[table], nil
}

func (f *fakeRepo) Query(context.Context, string, []any, func(storage.RowScanner) error) error {
	return nil
}

func (f *fakeRepo) rows(table string) [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts[table]
}

var _ storage.MultiRepository = (*fakeRepo)(nil)
