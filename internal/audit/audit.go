// Package audit hands finished queries to durable storage off the request
// path.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/storage/models"
	"github.com/finrag/backend/pkg/logger"
)

var (
	ErrQueueFull = errors.New("audit queue full")
	ErrStopped   = errors.New("audit sink stopped")
)

// Record is the plain-data summary of one query.
type Record struct {
	QueryID       string
	UserID        string
	Query         string
	Companies     []string
	Years         []int
	Context       string
	Answer        string
	AnswerType    string
	Citations     []domain.Citation
	Verified      bool
	State         domain.State
	Reason        domain.ReasonCode
	ModelID       string
	Usage         domain.Usage
	CostUSD       float64
	ContextTokens int
	KPICount      int
	RAGCount      int
	LatencyMs     int64
	ConfigVersion uint64
	CreatedAt     time.Time
}

// Sink receives audit records. Emit must not block the caller.
type Sink interface {
	Emit(r Record) error
}

type NopSink struct{}

func (NopSink) Emit(Record) error { return nil }

// Store persists records.
type Store interface {
	InsertQueryRecord(ctx context.Context, record *models.QueryRecord, citations []models.QueryCitation) error
}

type Config struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

// AsyncSink queues records for a fixed pool of writers. A full queue drops
// the record with a warning.
type AsyncSink struct {
	store   Store
	cfg     Config
	queue   chan Record
	logger  *zap.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
}

func NewAsyncSink(store Store, cfg Config, log *zap.Logger) *AsyncSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	s := &AsyncSink{
		store:  store,
		cfg:    cfg,
		queue:  make(chan Record, cfg.QueueSize),
		logger: logger.OrDefault(log).Named("audit"),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("Audit sink started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
	)
	return s
}

func (s *AsyncSink) Emit(r Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return ErrStopped
	}

	select {
	case s.queue <- r:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("Audit queue full, dropping record", zap.String("query_id", r.QueryID))
		return ErrQueueFull
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pending := len(s.queue)
	close(s.queue)
	s.mu.Unlock()

	s.logger.Info("Stopping audit sink", zap.Int("pending", pending))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink stop: %w", ctx.Err())
	}
}

type Stats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}

func (s *AsyncSink) Stats() Stats {
	return Stats{
		Written: s.written.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Pending: len(s.queue),
	}
}

func (s *AsyncSink) worker(id int) {
	defer s.wg.Done()

	for r := range s.queue {
		if err := s.write(r); err != nil {
			s.failed.Add(1)
			s.logger.Error("Failed to persist audit record",
				zap.Int("worker_id", id),
				zap.String("query_id", r.QueryID),
				zap.Error(err),
			)
			continue
		}
		s.written.Add(1)
	}
}

func (s *AsyncSink) write(r Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	rec, cits := ToModels(r)
	return s.store.InsertQueryRecord(ctx, rec, cits)
}

// ToModels maps a record onto the storage rows.
func ToModels(r Record) (*models.QueryRecord, []models.QueryCitation) {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	rec := &models.QueryRecord{
		ID:            r.QueryID,
		UserID:        r.UserID,
		QueryText:     r.Query,
		Answer:        r.Answer,
		State:         string(r.State),
		Reason:        string(r.Reason),
		AnswerType:    r.AnswerType,
		Verified:      r.Verified,
		Companies:     r.Companies,
		Years:         r.Years,
		ContextTokens: r.ContextTokens,
		KPICount:      r.KPICount,
		RAGCount:      r.RAGCount,
		ModelID:       r.ModelID,
		InputTokens:   r.Usage.PromptTokens,
		OutputTokens:  r.Usage.CompletionTokens,
		CostUSD:       r.CostUSD,
		LatencyMS:     r.LatencyMs,
		ConfigVersion: r.ConfigVersion,
		CreatedAt:     created,
	}

	cits := make([]models.QueryCitation, 0, len(r.Citations))
	for _, c := range r.Citations {
		cits = append(cits, models.QueryCitation{
			QueryID:    r.QueryID,
			EvidenceID: c.ID,
			Kind:       c.Kind.String(),
			Verified:   true,
		})
	}
	return rec, cits
}
