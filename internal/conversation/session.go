package conversation

import (
	"context"
	"errors"
	"iter"

	"github.com/MegaGrindStone/shifu-stream/internal/models"
)

// Status represents the connection state of a stream session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusStreaming
	StatusClosed
)

// StreamSession describes the live stream of a conversation. Generation increases every time a session
// is started or cancelled; callbacks tagged with an older generation are discarded.
type StreamSession struct {
	Generation    uint64
	Status        Status
	ActiveBlockID string
	// PendingInteraction is the interaction waiting for its text end and typing signals, if any.
	PendingInteraction *models.ContentBlock
	// TurnComplete reports that the assistant is done streaming and typing.
	TurnComplete bool
	Params       StartParams
}

// StartParams configures a new stream session.
type StartParams struct {
	CourseID    string
	LessonID    string
	Input       any
	InputKind   models.InputKind
	PreviewMode bool
	// ReloadFromBlockID truncates the transcript from this block, inclusive, and asks the server to
	// regenerate from it.
	ReloadFromBlockID string
}

// Transport opens lesson streams. The returned sequence yields events in arrival order and stops when
// the stream ends or ctx is cancelled.
type Transport interface {
	Open(ctx context.Context, req models.StreamRequest) (iter.Seq2[models.Event, error], error)
}

// LessonTree is the lesson-tree navigator.
type LessonTree interface {
	UpdateOutline(update models.OutlineItemUpdate)
	SwitchLesson(outlineID string)
}

// ProfileStore receives learner profile changes.
type ProfileStore interface {
	UpdateProfile(key, value string)
}

// PaymentWall shows the payment modal.
type PaymentWall interface {
	ShowPayment()
}

// HistorySource provides persisted records of a lesson.
type HistorySource interface {
	Records(ctx context.Context, courseID, lessonID string) ([]models.HistoryRecord, error)
}

// SnapshotStore keeps the transcript of a lesson the learner navigated away from.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, courseID, lessonID string, blocks []models.ContentBlock) error
}

var (
	// ErrOutputInProgress is returned when a user action arrives while the assistant is still streaming or
	// typing. The action is rejected, not queued.
	ErrOutputInProgress = errors.New("output in progress")
	// ErrNoLesson is returned when an action needs a lesson and none is loaded.
	ErrNoLesson = errors.New("no lesson loaded")
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s StreamSession) open() bool {
	return s.Status == StatusConnecting || s.Status == StatusStreaming
}

func (s StreamSession) busy() bool {
	return s.open() || !s.TurnComplete
}

func (s StreamSession) clone() StreamSession {
	if s.PendingInteraction != nil {
		b := s.PendingInteraction.Clone()
		s.PendingInteraction = &b
	}
	return s
}
