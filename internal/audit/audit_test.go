package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/storage/models"
	"github.com/finrag/backend/internal/storage/sqlite"
)

type memStore struct {
	mu      sync.Mutex
	gate    chan struct{}
	fail    bool
	records []*models.QueryRecord
	cits    [][]models.QueryCitation
}

func (m *memStore) InsertQueryRecord(ctx context.Context, rec *models.QueryRecord, cits []models.QueryCitation) error {
	if m.gate != nil {
		<-m.gate
	}
	if m.fail {
		return errors.New("disk full")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	m.cits = append(m.cits, cits)
	return nil
}

func record(id string) Record {
	return Record{
		QueryID:   id,
		UserID:    "u-1",
		Query:     "What was Acme's revenue in 2020?",
		Answer:    "1.50B USD [M:kpi:X:2020:revenue]",
		State:     domain.StateAnswered,
		Citations: []domain.Citation{{ID: "kpi:X:2020:revenue", Kind: domain.EvidenceMetric}},
		Verified:  true,
		Usage:     domain.Usage{PromptTokens: 900, CompletionTokens: 80},
		LatencyMs: 1200,
		CreatedAt: time.Unix(1700000000, 0),
	}
}

func TestAsyncSinkWritesQueuedRecords(t *testing.T) {
	store := &memStore{}
	sink := NewAsyncSink(store, Config{QueueSize: 8, Workers: 2}, zaptest.NewLogger(t))

	for _, id := range []string{"q-1", "q-2", "q-3"} {
		require.NoError(t, sink.Emit(record(id)))
	}
	require.NoError(t, sink.Close(context.Background()))

	assert.Len(t, store.records, 3)
	assert.Equal(t, int64(3), sink.Stats().Written)
	for i, rec := range store.records {
		assert.Equal(t, "ANSWERED", rec.State)
		assert.Equal(t, 900, rec.InputTokens)
		require.Len(t, store.cits[i], 1)
		assert.Equal(t, "metric", store.cits[i][0].Kind)
	}
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	store := &memStore{gate: make(chan struct{})}
	sink := NewAsyncSink(store, Config{QueueSize: 1, Workers: 1}, zaptest.NewLogger(t))

	// The worker takes the first record and blocks on the gate; the second
	// fills the queue.
	require.NoError(t, sink.Emit(record("q-1")))
	require.Eventually(t, func() bool { return len(sink.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sink.Emit(record("q-2")))

	err := sink.Emit(record("q-3"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), sink.Stats().Dropped)

	close(store.gate)
	require.NoError(t, sink.Close(context.Background()))
	assert.Len(t, store.records, 2)
}

func TestAsyncSinkCountsFailures(t *testing.T) {
	store := &memStore{fail: true}
	sink := NewAsyncSink(store, Config{QueueSize: 4, Workers: 1}, zaptest.NewLogger(t))

	require.NoError(t, sink.Emit(record("q-1")))
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, int64(1), sink.Stats().Failed)
	assert.Zero(t, sink.Stats().Written)
}

func TestAsyncSinkRejectsAfterClose(t *testing.T) {
	sink := NewAsyncSink(&memStore{}, Config{}, zaptest.NewLogger(t))
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Close(context.Background()))
	assert.ErrorIs(t, sink.Emit(record("q-1")), ErrStopped)
}

func TestAsyncSinkPersistsToSQLite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO query_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO query_citations").
		WithArgs("q-1", "kpi:X:2020:revenue", "metric", 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := sqlite.NewFromDB(db, zaptest.NewLogger(t))
	sink := NewAsyncSink(store, Config{QueueSize: 1, Workers: 1}, zaptest.NewLogger(t))
	require.NoError(t, sink.Emit(record("q-1")))
	require.NoError(t, sink.Close(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestToModelsDefaultsCreatedAt(t *testing.T) {
	r := record("q-1")
	r.CreatedAt = time.Time{}
	rec, _ := ToModels(r)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestNopSink(t *testing.T) {
	assert.NoError(t, NopSink{}.Emit(record("q-1")))
}
