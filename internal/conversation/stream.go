package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/shifu-stream/internal/models"
	"github.com/MegaGrindStone/shifu-stream/internal/reducer"
	"github.com/google/uuid"
)

// notice is a versioned transcript copy waiting to be handed to observers.
type notice struct {
	version   uint64
	blocks    []models.ContentBlock
	observers []observer
}

// launch carries what a started session needs once the lock is released.
type launch struct {
	gen     uint64
	ctx     context.Context
	req     models.StreamRequest
	notices []notice
	effects []reducer.Effect
}

// startLocked supersedes the current session and prepares a new one. The caller must hand the result to
// launch after releasing the lock.
func (c *Conversation) startLocked(params StartParams) (launch, error) {
	if params.LessonID == "" {
		return launch{}, ErrNoLesson
	}

	opts := reducer.TurnOptions{
		LessonID:    params.LessonID,
		Placeholder: true,
	}
	if params.InputKind == models.InputKindAsk {
		in, ok := params.Input.(models.AskInput)
		if !ok {
			return launch{}, fmt.Errorf("ask input must be %T, got %T", models.AskInput{}, params.Input)
		}
		if err := c.contentParentLocked(in.GeneratedBlockBid); err != nil {
			return launch{}, err
		}
		opts.Placeholder = false
		opts.Ask = &reducer.AskTarget{
			ParentID: in.GeneratedBlockBid,
			Question: in.Question,
			ThreadID: "ask-" + uuid.New().String(),
		}
	}

	c.stopLocked()

	var l launch
	if params.ReloadFromBlockID != "" {
		c.list.TruncateAfter(params.ReloadFromBlockID, true)
		l.notices = append(l.notices, c.noticeLocked())
	}

	effects, err := c.reducer.BeginTurn(c.list, opts)
	if err != nil {
		return launch{}, fmt.Errorf("failed to begin turn: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.courseID = params.CourseID
	c.lessonID = params.LessonID
	c.session = StreamSession{
		Generation: c.session.Generation + 1,
		Status:     StatusConnecting,
		Params:     params,
	}
	c.syncLocked()

	input := params.Input
	if input == nil {
		input = ""
	}
	l.gen = c.session.Generation
	l.ctx = ctx
	l.req = models.StreamRequest{
		ShifuBid:                params.CourseID,
		OutlineBid:              params.LessonID,
		PreviewMode:             params.PreviewMode,
		Input:                   input,
		InputType:               params.InputKind,
		ReloadGeneratedBlockBid: params.ReloadFromBlockID,
	}
	if l.req.InputType == "" {
		l.req.InputType = models.InputKindNormal
	}
	l.notices = append(l.notices, c.noticeLocked())
	l.effects = effects

	c.wg.Add(1)
	return l, nil
}

func (c *Conversation) launch(l launch) {
	for _, n := range l.notices {
		c.publish(n)
	}
	c.dispatch(l.gen, l.effects)

	go c.run(l.ctx, l.gen, l.req)
}

// stopLocked closes the active transport and invalidates every callback of the current session. A loading
// sentinel that never received content is dropped; stopLocked reports whether that changed the transcript.
func (c *Conversation) stopLocked() bool {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.session.Generation++
	if c.session.open() {
		c.session.Status = StatusClosed
	}
	c.session.TurnComplete = true
	return c.list.RemoveSentinel()
}

func (c *Conversation) run(ctx context.Context, gen uint64, req models.StreamRequest) {
	defer c.wg.Done()

	events, err := c.transport.Open(ctx, req)
	if err != nil {
		c.fail(gen, err)
		return
	}
	if !c.streaming(gen) {
		return
	}

	for ev, err := range events {
		if err != nil {
			c.fail(gen, err)
			return
		}
		if !c.deliver(gen, ev) {
			return
		}
	}
	c.finish(gen)
}

func (c *Conversation) streaming(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.session.Generation || c.session.Status != StatusConnecting {
		return false
	}
	c.session.Status = StatusStreaming
	c.logger.Debug("Stream opened",
		slog.Uint64("generation", gen),
		slog.String("lessonID", c.lessonID))
	return true
}

// deliver folds one event of session gen into the transcript. It reports whether the session still
// accepts events.
func (c *Conversation) deliver(gen uint64, ev models.Event) bool {
	c.mu.Lock()
	if gen != c.session.Generation || c.session.Status != StatusStreaming {
		c.mu.Unlock()
		return false
	}

	effects := c.applyLocked(c.reducer.Reduce(c.list, ev))
	open := c.session.Status == StatusStreaming
	c.syncLocked()
	n := c.noticeLocked()
	c.mu.Unlock()

	c.publish(n)
	c.dispatch(gen, effects)
	return open
}

func (c *Conversation) finish(gen uint64) {
	c.mu.Lock()
	if gen != c.session.Generation || c.session.Status != StatusStreaming {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.session.Status = StatusClosed
	effects := c.reducer.Finish(c.list)
	c.syncLocked()
	n := c.noticeLocked()
	c.mu.Unlock()

	c.publish(n)
	c.dispatch(gen, effects)
}

// fail closes session gen after a transport error. Output produced so far is kept and finalized.
func (c *Conversation) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.session.Generation || !c.session.open() {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.session.Status = StatusClosed
	effects := c.reducer.Abort(c.list)
	c.syncLocked()
	n := c.noticeLocked()
	c.mu.Unlock()

	if !errors.Is(err, context.Canceled) {
		c.logger.Warn("Stream failed",
			slog.Uint64("generation", gen),
			slog.String(errLoggerKey, err.Error()))
	}
	c.publish(n)
	c.dispatch(gen, effects)
}

// typed feeds a typing-finished signal of session gen into the reducer.
func (c *Conversation) typed(gen uint64, blockID string) {
	c.mu.Lock()
	if gen != c.session.Generation {
		c.mu.Unlock()
		return
	}
	effects := c.applyLocked(c.reducer.Reduce(c.list, models.TypingFinished{BlockID: blockID}))
	c.syncLocked()
	n := c.noticeLocked()
	c.mu.Unlock()

	c.publish(n)
	c.dispatch(gen, effects)
}

// applyLocked acts on the effects that change the session itself and returns them together with the
// effects of settling the turn when it ended early.
func (c *Conversation) applyLocked(effects []reducer.Effect) []reducer.Effect {
	var extra []reducer.Effect
	for _, e := range effects {
		switch e := e.(type) {
		case reducer.LessonChanged:
			c.lessonID = e.OutlineID
		case reducer.EndTurn:
			if c.cancel != nil {
				c.cancel()
				c.cancel = nil
			}
			c.session.Status = StatusClosed
			extra = append(extra, c.reducer.Finish(c.list)...)
		}
	}
	return append(effects, extra...)
}

// syncLocked copies reducer state into the session. A turn becomes complete once the stream is closed and
// the reducer has nothing left to settle; it only becomes incomplete again when a new session starts.
func (c *Conversation) syncLocked() {
	c.session.ActiveBlockID = c.reducer.ActiveBlockID()
	c.session.PendingInteraction = nil
	if p, ok := c.reducer.Pending(); ok {
		b := p.Block.Clone()
		c.session.PendingInteraction = &b
	}
	if c.session.open() {
		c.session.TurnComplete = false
		return
	}
	if !c.session.TurnComplete {
		c.session.TurnComplete = c.reducer.Settled()
	}
}

func (c *Conversation) noticeLocked() notice {
	c.version++
	return notice{
		version:   c.version,
		blocks:    c.list.Snapshot(),
		observers: append([]observer(nil), c.observers...),
	}
}

// publish hands n to observers unless a newer transcript was already handed out.
func (c *Conversation) publish(n notice) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if n.version <= c.published {
		return
	}
	c.published = n.version
	for _, o := range n.observers {
		o.fn(n.blocks)
	}
}

// dispatch performs the effects requested by the reducer for session gen. Once a newer session started,
// only rendering of text already in the transcript goes on.
func (c *Conversation) dispatch(gen uint64, effects []reducer.Effect) {
	for _, e := range effects {
		if _, ok := e.(reducer.Render); !ok && !c.current(gen) {
			c.logger.Debug("Dropping effect of a superseded session",
				slog.Uint64("generation", gen),
				slog.String("effect", fmt.Sprintf("%T", e)))
			continue
		}
		switch e := e.(type) {
		case reducer.Render:
			c.render(gen, e)
		case reducer.LessonTreeUpdate:
			if c.opts.LessonTree != nil {
				c.opts.LessonTree.UpdateOutline(models.OutlineItemUpdate{
					OutlineID:   e.OutlineID,
					Status:      e.Status,
					HasChildren: e.HasChildren,
					Title:       e.Title,
				})
			}
		case reducer.LessonChanged:
			if c.opts.LessonTree != nil {
				c.opts.LessonTree.SwitchLesson(e.OutlineID)
			}
		case reducer.ProfileUpdate:
			if c.opts.Profile != nil {
				c.opts.Profile.UpdateProfile(e.Key, e.Value)
			}
		case reducer.ShowPayment:
			if c.opts.Payment != nil {
				c.opts.Payment.ShowPayment()
			}
		case reducer.EndTurn:
		default:
			c.logger.Debug("Ignoring unknown effect", slog.String("effect", fmt.Sprintf("%T", e)))
		}
	}
}

func (c *Conversation) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return gen == c.session.Generation
}

func (c *Conversation) render(gen uint64, r reducer.Render) {
	if c.opts.Renderer == nil {
		if !r.Streaming {
			c.typed(gen, r.BlockID)
		}
		return
	}
	blockID := r.BlockID
	c.opts.Renderer.Render(blockID, r.Text, r.Streaming, func() {
		c.typed(gen, blockID)
	})
}
