// Package conversation owns the transcript of one lesson conversation: its block list, the reducer that
// folds stream events into it, and the single stream session feeding it.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/shifu-stream/internal/blocks"
	"github.com/MegaGrindStone/shifu-stream/internal/history"
	"github.com/MegaGrindStone/shifu-stream/internal/markdown"
	"github.com/MegaGrindStone/shifu-stream/internal/models"
	"github.com/MegaGrindStone/shifu-stream/internal/reducer"
)

// Options holds the collaborators of a Conversation. Every field is optional. Without a Renderer, final
// text counts as typed as soon as it is produced.
type Options struct {
	Renderer    markdown.Renderer
	LessonTree  LessonTree
	Profile     ProfileStore
	Payment     PaymentWall
	History     HistorySource
	Snapshots   SnapshotStore
	PreviewMode bool
}

// Conversation is the engine behind one lesson transcript. All methods are safe for concurrent use; every
// mutation of the transcript happens under a single lock, one event at a time.
type Conversation struct {
	mu sync.Mutex

	list    *blocks.List
	reducer *reducer.Reducer
	session StreamSession
	cancel  context.CancelFunc

	courseID string
	lessonID string

	version   uint64
	observers []observer
	nextObsID int

	// pubMu orders snapshot delivery; published is the last version handed to observers.
	pubMu     sync.Mutex
	published uint64

	transport Transport
	opts      Options
	loader    history.Loader

	wg     sync.WaitGroup
	logger *slog.Logger
}

type observer struct {
	id int
	fn func([]models.ContentBlock)
}

const errLoggerKey = "err"

// New creates a Conversation that opens streams through transport.
func New(transport Transport, opts Options, logger *slog.Logger) *Conversation {
	logger = logger.With(slog.String("module", "conversation"))
	return &Conversation{
		list:    blocks.NewList(logger),
		reducer: reducer.New(logger),
		session: StreamSession{
			Status:       StatusIdle,
			TurnComplete: true,
		},
		transport: transport,
		opts:      opts,
		loader:    history.NewLoader(logger),
		logger:    logger,
	}
}

// Start opens a new stream session. A session that is still open is cancelled first. When
// params.ReloadFromBlockID is set, the transcript is truncated from that block, inclusive, and observers
// see the truncated transcript before any event of the new session.
func (c *Conversation) Start(params StartParams) error {
	c.mu.Lock()
	l, err := c.startLocked(params)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.launch(l)
	return nil
}

// Cancel closes the active stream and leaves the output produced so far as it stands. Only a loading
// placeholder that never received content is removed. Events the closing stream still delivers are
// discarded.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	if !c.stopLocked() {
		c.mu.Unlock()
		return
	}
	n := c.noticeLocked()
	c.mu.Unlock()

	c.publish(n)
}

// IsBusy reports whether the assistant is still connecting, streaming or typing. User actions are rejected
// while it is.
func (c *Conversation) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session.busy()
}

// Session returns a copy of the current stream session.
func (c *Conversation) Session() StreamSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session.clone()
}

// Snapshot returns a copy of the transcript.
func (c *Conversation) Snapshot() []models.ContentBlock {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.list.Snapshot()
}

// Lesson returns the course and lesson the transcript belongs to.
func (c *Conversation) Lesson() (courseID, lessonID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.courseID, c.lessonID
}

// Subscribe registers fn to receive a copy of the transcript after every mutation, in mutation order.
// Observers are called one at a time and must not call back into the conversation synchronously. The
// returned function removes the observer.
func (c *Conversation) Subscribe(fn func([]models.ContentBlock)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextObsID++
	id := c.nextObsID
	c.observers = append(c.observers, observer{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// Send starts a normal turn with the learner's input.
func (c *Conversation) Send(input string) error {
	c.mu.Lock()
	l, err := c.userTurnLocked(StartParams{
		Input:     input,
		InputKind: models.InputKindNormal,
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.launch(l)
	return nil
}

// Regenerate discards blockID and everything after it, then asks the server to produce the turn again.
// An unknown block id is a no-op.
func (c *Conversation) Regenerate(blockID string) error {
	c.mu.Lock()
	if c.session.busy() {
		c.mu.Unlock()
		return ErrOutputInProgress
	}
	if blockID == models.SentinelID || c.list.Index(blockID) < 0 {
		c.mu.Unlock()
		c.logger.Debug("Nothing to regenerate", slog.String("blockID", blockID))
		return nil
	}
	l, err := c.userTurnLocked(StartParams{
		Input:             "",
		InputKind:         models.InputKindNormal,
		ReloadFromBlockID: blockID,
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.launch(l)
	return nil
}

// Respond submits value for the interaction block interactionID. The payment action opens the payment
// wall instead of starting a turn.
func (c *Conversation) Respond(interactionID, value string) error {
	if value == reducer.PayAction {
		if c.opts.Payment != nil {
			c.opts.Payment.ShowPayment()
		}
		return nil
	}

	c.mu.Lock()
	if c.session.busy() {
		c.mu.Unlock()
		return ErrOutputInProgress
	}
	b, ok := c.list.Find(interactionID)
	if !ok || b.Kind != models.BlockKindInteraction || b.Readonly {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q is not an open interaction", blocks.ErrInvalidBlock, interactionID)
	}
	c.list.ReplaceByID(interactionID, func(b *models.ContentBlock) {
		b.UserInput = value
		b.Readonly = true
	})
	n := c.noticeLocked()

	l, err := c.userTurnLocked(StartParams{
		Input:     value,
		InputKind: models.InputKindNormal,
	})
	c.mu.Unlock()

	c.publish(n)
	if err != nil {
		return err
	}
	c.launch(l)
	return nil
}

// Ask sends a side question about the content block parentID. The answer streams into the block's ask
// thread.
func (c *Conversation) Ask(parentID, question string) error {
	c.mu.Lock()
	if err := c.contentParentLocked(parentID); err != nil {
		c.mu.Unlock()
		return err
	}
	l, err := c.userTurnLocked(StartParams{
		Input: models.AskInput{
			Question:          question,
			GeneratedBlockBid: parentID,
		},
		InputKind: models.InputKindAsk,
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.launch(l)
	return nil
}

// SetLikeStatus records the learner's rating of the content block parentID.
func (c *Conversation) SetLikeStatus(parentID string, status models.LikeStatus) error {
	c.mu.Lock()
	if c.session.busy() {
		c.mu.Unlock()
		return ErrOutputInProgress
	}
	if err := c.contentParentLocked(parentID); err != nil {
		c.mu.Unlock()
		return err
	}

	if id, ok := c.list.LikeStatusFor(parentID); ok {
		c.list.ReplaceByID(id, func(b *models.ContentBlock) {
			b.LikeStatus = status
		})
	} else {
		err := c.list.Append(models.ContentBlock{
			ID:         "like-" + parentID,
			Kind:       models.BlockKindLikeStatus,
			ParentID:   parentID,
			LikeStatus: status,
			Readonly:   true,
			LessonID:   c.lessonID,
		})
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to add like status: %w", err)
		}
	}
	n := c.noticeLocked()
	c.mu.Unlock()

	c.publish(n)
	return nil
}

// ToggleAsk expands or collapses the ask thread of the content block parentID and reports whether it is
// now expanded. A block without a thread is a no-op.
func (c *Conversation) ToggleAsk(parentID string) bool {
	c.mu.Lock()
	id, ok := c.list.LastAskThreadFor(parentID)
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("No ask thread to toggle", slog.String("parentID", parentID))
		return false
	}
	var expanded bool
	c.list.ReplaceByID(id, func(b *models.ContentBlock) {
		b.Expanded = !b.Expanded
		expanded = b.Expanded
	})
	n := c.noticeLocked()
	c.mu.Unlock()

	c.publish(n)
	return expanded
}

// TypingFinished tells the conversation that the typing animation of blockID finished.
func (c *Conversation) TypingFinished(blockID string) {
	c.mu.Lock()
	gen := c.session.Generation
	c.mu.Unlock()

	c.typed(gen, blockID)
}

// Restore cancels the active stream and replaces the transcript with the given lesson's blocks.
func (c *Conversation) Restore(courseID, lessonID string, transcript []models.ContentBlock) error {
	c.mu.Lock()
	c.stopLocked()
	if err := c.list.Reset(transcript); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to restore transcript: %w", err)
	}
	c.reducer = reducer.New(c.logger)
	c.courseID = courseID
	c.lessonID = lessonID
	n := c.noticeLocked()
	c.mu.Unlock()

	c.publish(n)
	return nil
}

// LoadLesson switches the conversation to another lesson. The active stream is cancelled, the outgoing
// transcript is saved to the snapshot store, and the new lesson is rehydrated from its history. When the
// history ends mid-turn, a stream is started with empty input so the server can continue it.
func (c *Conversation) LoadLesson(ctx context.Context, courseID, lessonID string) error {
	if lessonID == "" {
		return ErrNoLesson
	}

	c.mu.Lock()
	c.stopLocked()
	oldCourse, oldLesson := c.courseID, c.lessonID
	old := c.list.Snapshot()
	c.mu.Unlock()

	if c.opts.Snapshots != nil && oldLesson != "" && len(old) > 0 {
		if err := c.opts.Snapshots.SaveSnapshot(ctx, oldCourse, oldLesson, old); err != nil {
			c.logger.Warn("Failed to save lesson snapshot",
				slog.String("lessonID", oldLesson),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	var records []models.HistoryRecord
	if c.opts.History != nil {
		var err error
		records, err = c.opts.History.Records(ctx, courseID, lessonID)
		if err != nil {
			return fmt.Errorf("failed to get history records: %w", err)
		}
	}

	loaded, resume := c.loader.Load(records)
	if err := c.Restore(courseID, lessonID, loaded); err != nil {
		return err
	}
	if !resume {
		return nil
	}

	c.logger.Debug("Resuming unfinished turn", slog.String("lessonID", lessonID))
	return c.Start(StartParams{
		CourseID:    courseID,
		LessonID:    lessonID,
		Input:       "",
		InputKind:   models.InputKindNormal,
		PreviewMode: c.opts.PreviewMode,
	})
}

// Close cancels the active stream and waits for its goroutine to return.
func (c *Conversation) Close() {
	c.Cancel()
	c.wg.Wait()
}

// userTurnLocked rejects the action when busy and starts a turn for the loaded lesson.
func (c *Conversation) userTurnLocked(params StartParams) (launch, error) {
	if c.session.busy() {
		return launch{}, ErrOutputInProgress
	}
	if c.lessonID == "" {
		return launch{}, ErrNoLesson
	}
	params.CourseID = c.courseID
	params.LessonID = c.lessonID
	params.PreviewMode = c.opts.PreviewMode
	return c.startLocked(params)
}

func (c *Conversation) contentParentLocked(parentID string) error {
	b, ok := c.list.Find(parentID)
	if !ok || b.IsSentinel() || b.Kind != models.BlockKindContent {
		return fmt.Errorf("%w: %q is not a content block", blocks.ErrInvalidBlock, parentID)
	}
	return nil
}
