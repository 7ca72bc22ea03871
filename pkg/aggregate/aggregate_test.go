package aggregate

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/lookup-checker/internal/testutil"
	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/sheet"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

func newBatch(t *testing.T, st *testutil.MemStore, total int) model.Batch {
	t.Helper()
	b, err := st.Batches().Create(context.Background(), 42, "numbers.csv", total)
	require.NoError(t, err)
	return b
}

func TestResultName(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"numbers.csv", "result_7_numbers.csv"},
		{"/tmp/upload/numbers.xlsx", "result_7_numbers.csv"},
		{"plain", "result_7_plain.csv"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResultName(7, tt.source), tt.source)
	}
}

func TestRecordIncrementsCounters(t *testing.T) {
	st := testutil.NewMemStore()
	b := newBatch(t, st, 3)
	agg := New(st.Batches(), st.Results(), b)
	ctx := context.Background()

	require.NoError(t, agg.Record(ctx, model.LookupResult{Identifier: "+79161234567", Found: true}))
	require.NoError(t, agg.Record(ctx, model.LookupResult{Identifier: "+79161234568"}))

	assert.Equal(t, 2, agg.Processed())
	assert.Equal(t, 1, agg.Found())

	got, err := st.Batches().Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Processed)
	assert.Equal(t, 1, got.Found)

	for _, r := range agg.Results() {
		assert.Equal(t, b.ID, r.BatchID)
		assert.Equal(t, int64(42), r.OwnerID)
		assert.False(t, r.CheckedAt.IsZero())
	}
}

func TestRecordConcurrent(t *testing.T) {
	st := testutil.NewMemStore()
	b := newBatch(t, st, 100)
	agg := New(st.Batches(), st.Results(), b)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = agg.Record(ctx, model.LookupResult{Identifier: "x", Found: i%2 == 0})
		}(i)
	}
	wg.Wait()

	got, err := st.Batches().Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Processed)
	assert.Equal(t, 50, got.Found)
	assert.Equal(t, 100, agg.Processed())
}

func TestRecordIncrementFailure(t *testing.T) {
	st := testutil.NewMemStore()
	b := newBatch(t, st, 1)
	st.IncrementErr = errors.New("db down")
	agg := New(st.Batches(), st.Results(), b)

	err := agg.Record(context.Background(), model.LookupResult{Identifier: "+79161234567"})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 1, agg.Processed())
}

func TestFinalizeCompleted(t *testing.T) {
	st := testutil.NewMemStore()
	b := newBatch(t, st, 2)
	agg := New(st.Batches(), st.Results(), b)
	ctx := context.Background()

	require.NoError(t, agg.Record(ctx, model.LookupResult{Identifier: "+79161234567", Found: true}))
	require.NoError(t, agg.Record(ctx, model.LookupResult{Identifier: "+79161234568"}))

	got, err := agg.Finalize(ctx, model.BatchCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, st.AllResults(), 2)

	_, err = agg.Finalize(ctx, model.BatchCompleted, "")
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	err = agg.Record(ctx, model.LookupResult{Identifier: "late"})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestFinalizeFailedWithoutResults(t *testing.T) {
	st := testutil.NewMemStore()
	b := newBatch(t, st, 2)
	agg := New(st.Batches(), st.Results(), b)

	got, err := agg.Finalize(context.Background(), model.BatchFailed, "no connections")
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, got.Status)
	assert.Equal(t, "no connections", got.FailureReason)
	assert.Empty(t, st.AllResults())
}

func TestFinalizeBulkInsertFailure(t *testing.T) {
	st := testutil.NewMemStore()
	b := newBatch(t, st, 1)
	st.BulkInsertErr = errors.New("copy failed")
	agg := New(st.Batches(), st.Results(), b)
	ctx := context.Background()

	require.NoError(t, agg.Record(ctx, model.LookupResult{Identifier: "+79161234567"}))

	_, err := agg.Finalize(ctx, model.BatchCompleted, "")
	assert.ErrorIs(t, err, ErrPersistence)

	got, err := st.Batches().Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, got.Status)
	assert.Contains(t, got.FailureReason, "copy failed")
}

func TestFinalizeRejectsNonTerminal(t *testing.T) {
	st := testutil.NewMemStore()
	agg := New(st.Batches(), st.Results(), newBatch(t, st, 1))

	_, err := agg.Finalize(context.Background(), model.BatchProcessing, "")
	assert.Error(t, err)
}

func TestExport(t *testing.T) {
	st := testutil.NewMemStore()
	table, err := sheet.ReadCSV(strings.NewReader("phone,name\n89161234567,Ivan\n89161234568,Anna\n9161234569,Olga\n"))
	require.NoError(t, err)

	b := newBatch(t, st, 3)
	agg := New(st.Batches(), st.Results(), b)
	ctx := context.Background()

	require.NoError(t, agg.Record(ctx, model.LookupResult{Identifier: "+79161234569", Found: true}))
	require.NoError(t, agg.Record(ctx, model.LookupResult{Identifier: "+79161234567", Found: true}))
	require.NoError(t, agg.Record(ctx, model.LookupResult{Identifier: "+79161234568"}))
	_, err = agg.Finalize(ctx, model.BatchCompleted, "")
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := agg.Export(ctx, b.ID, table, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "phone,name\n89161234567,Ivan\n9161234569,Olga\n", buf.String())
}

func TestFinalizeWritesExportFile(t *testing.T) {
	st := testutil.NewMemStore()
	table, err := sheet.Parse("numbers.csv", strings.NewReader("89161234567,Ivan\n89161234568,Anna\n"))
	require.NoError(t, err)
	dir := t.TempDir()

	b := newBatch(t, st, 2)
	agg := New(st.Batches(), st.Results(), b, WithExport(table, dir))
	ctx := context.Background()

	require.NoError(t, agg.Record(ctx, model.LookupResult{Identifier: "+79161234568", Found: true}))
	require.NoError(t, agg.Record(ctx, model.LookupResult{Identifier: "+79161234567"}))

	got, err := agg.Finalize(ctx, model.BatchCompleted, "")
	require.NoError(t, err)
	require.Equal(t, ResultName(b.ID, "numbers.csv"), got.ResultName)

	data, err := os.ReadFile(filepath.Join(dir, got.ResultName))
	require.NoError(t, err)
	assert.Equal(t, "89161234568,Anna\n", string(data))
}

func TestFinalizeConflict(t *testing.T) {
	st := testutil.NewMemStore()
	b := newBatch(t, st, 1)
	ctx := context.Background()
	require.NoError(t, st.Batches().SetStatus(ctx, b.ID, model.BatchFailed, "", "aborted"))

	agg := New(st.Batches(), st.Results(), b)
	_, err := agg.Finalize(ctx, model.BatchCompleted, "")
	assert.ErrorIs(t, err, store.ErrConflict)
}
