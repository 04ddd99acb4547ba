package handlers

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/shifu-stream/internal/models"
)

// LessonGenerator represents a large language model that writes lesson text. It accepts a context and the
// conversation so far, returning an iterator that yields text chunks and potential errors.
type LessonGenerator interface {
	Generate(ctx context.Context, messages []models.PromptMessage) iter.Seq2[string, error]
}

// Store defines the interface for persisting lesson history records. Records of a lesson are kept in the
// order they were added.
type Store interface {
	Records(ctx context.Context, courseID, lessonID string) ([]models.HistoryRecord, error)
	AddRecord(ctx context.Context, courseID, lessonID string, rec models.HistoryRecord) (string, error)
	UpdateRecord(ctx context.Context, courseID, lessonID string, rec models.HistoryRecord) error
	TruncateFrom(ctx context.Context, courseID, lessonID, generatedBlockBid string) (bool, error)
}

// Main serves the lesson backend: it runs lessons of one course as server-sent event streams and exposes
// their persisted history.
type Main struct {
	generator LessonGenerator
	store     Store
	course    models.Course

	heartbeat time.Duration

	done      chan struct{}
	closeOnce *sync.Once

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	defaultHeartbeat = 15 * time.Second
)

// NewMain creates a new Main instance serving course. Lesson text comes from generator and history is
// persisted in store. A heartbeat is pushed on idle streams every heartbeat interval; zero selects the
// default.
func NewMain(
	generator LessonGenerator,
	store Store,
	course models.Course,
	heartbeat time.Duration,
	logger *slog.Logger,
) Main {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return Main{
		generator: generator,
		store:     store,
		course:    course,
		heartbeat: heartbeat,
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
		logger:    logger.With(slog.String("module", "main")),
	}
}

// Register adds the lesson backend routes to mux.
func (m Main) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/learn/run/{shifu}/{outline}", m.HandleRun)
	mux.HandleFunc("GET /api/learn/records/{shifu}/{outline}", m.HandleRecords)
	mux.HandleFunc("GET /api/learn/outline/{shifu}", m.HandleOutline)
}

// Shutdown ends every running lesson stream. Streams stop at their next chunk; the context bounds how
// long the caller is willing to wait for that.
func (m Main) Shutdown(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.done) })

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	// Give open streams a moment to observe the close before the HTTP server tears connections down.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}
