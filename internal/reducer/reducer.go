// Package reducer folds lesson stream events into a block list. It is the protocol state machine of the
// engine: every event maps to one transition on the list plus a slice of effect requests.
package reducer

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/shifu-stream/internal/blocks"
	"github.com/MegaGrindStone/shifu-stream/internal/markdown"
	"github.com/MegaGrindStone/shifu-stream/internal/models"
)

// Phase represents where the current turn stands.
type Phase int

const (
	PhaseAwaitingFirstToken Phase = iota
	PhaseAccumulating
	PhaseAwaitingInteractionFinalize
	PhaseSettled
)

// PayAction is the interaction action that opens the payment wall.
const PayAction = models.PayAction

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseAwaitingFirstToken:
		return "awaiting_first_token"
	case PhaseAccumulating:
		return "accumulating"
	case PhaseAwaitingInteractionFinalize:
		return "awaiting_interaction_finalize"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// PendingInteraction is an interaction buffered until both the text-end of the block it follows and the
// typing-finished signal for that block have arrived, in either order.
type PendingInteraction struct {
	Block           models.ContentBlock
	TextEndReceived bool
	TypingFinished  bool
}

// TurnOptions configures a new turn.
type TurnOptions struct {
	LessonID string
	// Placeholder pushes the loading sentinel until the first real event arrives.
	Placeholder bool
	// Ask routes the turn's content into an ask thread instead of new content blocks.
	Ask *AskTarget
}

// AskTarget names the content block a question is about and the question itself. ThreadID is used when
// the parent has no ask thread yet.
type AskTarget struct {
	ParentID string
	Question string
	ThreadID string
}

// Reducer holds the per-turn state of one conversation. It is not safe for concurrent use.
type Reducer struct {
	lessonID string
	phase    Phase

	activeID      string
	lastFinalized string
	merger        markdown.Merger

	pending *PendingInteraction
	// held queues events that arrived while the pending interaction waited for typing. finishing records a
	// stream end that came in while events were held.
	held      []models.Event
	finishing bool

	// typedActive records a typing-finished signal that arrived before the active block ended.
	typedActive    bool
	awaitingTyping bool

	askThreadID string

	logger *slog.Logger
}

// New creates a Reducer in the settled phase.
func New(logger *slog.Logger) *Reducer {
	return &Reducer{
		phase:  PhaseSettled,
		logger: logger.With(slog.String("module", "reducer")),
	}
}

// BeginTurn resets the per-turn state. Content left unfinished by an abandoned turn is finalized first so
// the new turn's blocks are appended after settled ones.
func (r *Reducer) BeginTurn(list *blocks.List, opts TurnOptions) ([]Effect, error) {
	var effects []Effect
	if r.activeID != "" {
		effects = append(effects, r.finalize(list)...)
	}

	r.lessonID = opts.LessonID
	r.phase = PhaseAwaitingFirstToken
	r.activeID = ""
	r.lastFinalized = ""
	r.merger = markdown.Merger{}
	r.pending = nil
	r.held = nil
	r.finishing = false
	r.typedActive = false
	r.awaitingTyping = false
	r.askThreadID = ""

	if opts.Ask != nil {
		list.RemoveSentinel()
		if err := r.beginAsk(list, *opts.Ask); err != nil {
			r.phase = PhaseSettled
			return effects, err
		}
		return effects, nil
	}

	if opts.Placeholder {
		list.PushSentinel()
	}
	return effects, nil
}

func (r *Reducer) beginAsk(list *blocks.List, target AskTarget) error {
	entries := []models.AskEntry{
		{Role: models.AskRoleAsk, Text: target.Question},
		{Role: models.AskRoleAnswer},
	}

	if id, ok := list.LastAskThreadFor(target.ParentID); ok {
		list.ReplaceByID(id, func(b *models.ContentBlock) {
			b.AskEntries = append(b.AskEntries, entries...)
			b.Expanded = true
		})
		r.askThreadID = id
		return nil
	}

	err := list.Append(models.ContentBlock{
		ID:         target.ThreadID,
		Kind:       models.BlockKindAskThread,
		ParentID:   target.ParentID,
		AskEntries: entries,
		Expanded:   true,
		LessonID:   r.lessonID,
	})
	if err != nil {
		return fmt.Errorf("failed to open ask thread: %w", err)
	}
	r.askThreadID = target.ThreadID
	return nil
}

// Reduce folds one event into list and returns the effects it requests. A bad event is logged and
// skipped; it never prevents later events from being applied.
func (r *Reducer) Reduce(list *blocks.List, ev models.Event) []Effect {
	if len(r.held) > 0 {
		switch ev.(type) {
		case models.TypingFinished:
		case models.Heartbeat:
			return nil
		default:
			r.held = append(r.held, ev)
			return nil
		}
	}

	switch e := ev.(type) {
	case models.Heartbeat:
		return nil
	case models.ContentChunk:
		return r.content(list, e)
	case models.Interaction:
		return r.interaction(list, e)
	case models.TextEnd:
		return r.textEnd(list, e.BlockID)
	case models.Break:
		return r.textEnd(list, e.BlockID)
	case models.TypingFinished:
		return r.typingFinished(list, e)
	case models.OutlineItemUpdate:
		return r.outlineItemUpdate(list, e)
	case models.ProfileUpdate:
		return []Effect{ProfileUpdate{Key: e.Key, Value: e.Value}}
	default:
		r.logger.Debug("Ignoring unknown event", slog.String("event", fmt.Sprintf("%T", ev)))
		return nil
	}
}

func (r *Reducer) content(list *blocks.List, e models.ContentChunk) []Effect {
	if r.askThreadID != "" {
		return r.askContent(list, e)
	}
	if e.BlockID == "" {
		r.logger.Debug("Content without block id")
		return nil
	}

	var effects []Effect
	if r.activeID != "" && r.activeID != e.BlockID {
		effects = append(effects, r.finalize(list)...)
	}
	// The server moved on to another block, so an armed interaction belongs before it. Until its typing
	// finishes the new block waits.
	if r.activeID != e.BlockID && r.pending != nil && r.pending.TextEndReceived {
		if r.hold(e) {
			return effects
		}
		effects = append(effects, r.materialize(list)...)
	}

	block, found := list.Find(e.BlockID)
	switch {
	case found && block.Readonly:
		r.logger.Debug("Content for finalized block", slog.String("blockID", e.BlockID))
		return effects
	case found && block.Kind != models.BlockKindContent:
		r.logger.Debug("Content for non-content block",
			slog.String("blockID", e.BlockID),
			slog.String("kind", string(block.Kind)))
		return effects
	case !found:
		r.closeStale(list)
		block = models.ContentBlock{
			ID:       e.BlockID,
			Kind:     models.BlockKindContent,
			LessonID: r.lessonID,
		}
		if err := list.ReplaceSentinelWith(block); err != nil {
			r.logger.Debug("Failed to open content block",
				slog.String("blockID", e.BlockID),
				slog.String(errLoggerKey, err.Error()))
			return effects
		}
	default:
		// A resumed block keeps streaming in place, so the placeholder is not needed.
		list.RemoveSentinel()
	}

	if r.activeID != e.BlockID {
		r.activeID = e.BlockID
		r.merger = markdown.Merger{}
		r.typedActive = false
	}
	r.phase = PhaseAccumulating

	delta := r.merger.Merge(block.Text, e.Text)
	if delta == "" {
		return effects
	}
	text := block.Text + delta
	list.ReplaceByID(e.BlockID, func(b *models.ContentBlock) {
		b.Text = text
		b.IsHistory = false
	})
	return append(effects, Render{BlockID: e.BlockID, Text: text, Streaming: true})
}

func (r *Reducer) askContent(list *blocks.List, e models.ContentChunk) []Effect {
	thread, found := list.Find(r.askThreadID)
	if !found || len(thread.AskEntries) == 0 {
		r.logger.Debug("Ask thread disappeared", slog.String("blockID", r.askThreadID))
		return nil
	}
	r.phase = PhaseAccumulating

	last := len(thread.AskEntries) - 1
	delta := r.merger.Merge(thread.AskEntries[last].Text, e.Text)
	if delta == "" {
		return nil
	}
	text := thread.AskEntries[last].Text + delta
	list.ReplaceByID(r.askThreadID, func(b *models.ContentBlock) {
		b.AskEntries[last].Text = text
	})
	r.activeID = r.askThreadID
	return []Effect{Render{BlockID: r.askThreadID, Text: text, Streaming: true}}
}

func (r *Reducer) interaction(list *blocks.List, e models.Interaction) []Effect {
	if e.BlockID == "" {
		r.logger.Debug("Interaction without block id")
		return nil
	}

	if r.hold(e) {
		return nil
	}

	var effects []Effect
	if r.pending != nil {
		r.logger.Debug("Interaction superseded a pending one",
			slog.String("pendingID", r.pending.Block.ID),
			slog.String("blockID", e.BlockID))
		effects = append(effects, r.materialize(list)...)
	}

	r.pending = &PendingInteraction{
		Block: models.ContentBlock{
			ID:       e.BlockID,
			Kind:     models.BlockKindInteraction,
			Text:     e.Payload,
			LessonID: r.lessonID,
		},
	}
	if r.activeID == "" {
		r.pending.TextEndReceived = true
		r.pending.TypingFinished = !r.awaitingTyping
		r.phase = PhaseAwaitingInteractionFinalize
	}
	return append(effects, r.tryMaterialize(list)...)
}

func (r *Reducer) textEnd(list *blocks.List, blockID string) []Effect {
	if r.activeID == "" {
		if r.pending != nil && !r.pending.TextEndReceived {
			r.pending.TextEndReceived = true
			return r.tryMaterialize(list)
		}
		r.logger.Debug("Text end without active block", slog.String("blockID", blockID))
		return nil
	}
	if blockID != "" && blockID != r.activeID {
		r.logger.Debug("Text end for another block",
			slog.String("blockID", blockID),
			slog.String("activeID", r.activeID))
	}

	effects := r.finalize(list)
	return append(effects, r.tryMaterialize(list)...)
}

// finalize flushes the active block, marks it readonly and arms the pending interaction.
func (r *Reducer) finalize(list *blocks.List) []Effect {
	id := r.activeID
	rest := r.merger.Flush()

	var text string
	found := list.ReplaceByID(id, func(b *models.ContentBlock) {
		if b.Kind == models.BlockKindAskThread {
			last := len(b.AskEntries) - 1
			if last >= 0 {
				b.AskEntries[last].Text += rest
				text = b.AskEntries[last].Text
			}
			return
		}
		b.Text += rest
		b.Readonly = true
		text = b.Text
	})

	r.activeID = ""
	r.lastFinalized = id
	r.awaitingTyping = found && !r.typedActive
	r.typedActive = false
	r.phase = PhaseSettled

	if r.pending != nil {
		r.pending.TextEndReceived = true
		if !r.awaitingTyping {
			r.pending.TypingFinished = true
		}
		r.phase = PhaseAwaitingInteractionFinalize
	}

	if !found {
		r.logger.Debug("Active block disappeared", slog.String("blockID", id))
		return nil
	}
	return []Effect{Render{BlockID: id, Text: text, Streaming: false}}
}

func (r *Reducer) typingFinished(list *blocks.List, e models.TypingFinished) []Effect {
	switch {
	case e.BlockID != "" && e.BlockID != r.activeID && e.BlockID != r.lastFinalized:
		r.logger.Debug("Typing finished for an older block", slog.String("blockID", e.BlockID))
		return nil
	case r.activeID != "":
		r.typedActive = true
	default:
		r.awaitingTyping = false
	}

	if r.pending != nil {
		r.pending.TypingFinished = true
	}
	effects := r.tryMaterialize(list)
	return append(effects, r.release(list)...)
}

// hold queues ev when the pending interaction has its text end but still waits for typing.
func (r *Reducer) hold(ev models.Event) bool {
	if r.pending == nil || !r.pending.TextEndReceived || r.pending.TypingFinished {
		return false
	}
	r.held = append(r.held, ev)
	return true
}

// release replays the held events once the pending interaction is in the list.
func (r *Reducer) release(list *blocks.List) []Effect {
	if r.pending != nil || len(r.held) == 0 {
		return nil
	}
	held := r.held
	r.held = nil

	var effects []Effect
	for _, ev := range held {
		effects = append(effects, r.Reduce(list, ev)...)
	}
	if r.finishing && len(r.held) == 0 {
		r.finishing = false
		effects = append(effects, r.Finish(list)...)
	}
	return effects
}

// closeStale marks content blocks left open by an earlier turn readonly, so a new block is only appended
// after settled ones.
func (r *Reducer) closeStale(list *blocks.List) {
	for {
		b, ok := list.FindLastContentNotFinalized()
		if !ok {
			return
		}
		r.logger.Debug("Closing stale content block", slog.String("blockID", b.ID))
		list.ReplaceByID(b.ID, func(b *models.ContentBlock) {
			b.Readonly = true
		})
	}
}

func (r *Reducer) tryMaterialize(list *blocks.List) []Effect {
	if r.pending == nil || !r.pending.TextEndReceived || !r.pending.TypingFinished {
		return nil
	}
	return r.materialize(list)
}

// materialize promotes the pending interaction into the list. It runs at most once per interaction.
func (r *Reducer) materialize(list *blocks.List) []Effect {
	p := r.pending
	r.pending = nil
	if r.activeID == "" {
		r.phase = PhaseSettled
	}

	if err := list.ReplaceSentinelWith(p.Block); err != nil {
		r.logger.Debug("Failed to materialize interaction",
			slog.String("blockID", p.Block.ID),
			slog.String(errLoggerKey, err.Error()))
		return nil
	}
	if strings.Contains(p.Block.Text, PayAction) {
		return []Effect{ShowPayment{}}
	}
	return nil
}

func (r *Reducer) outlineItemUpdate(list *blocks.List, e models.OutlineItemUpdate) []Effect {
	subTurn := !e.HasChildren &&
		((e.OutlineID == r.lessonID && e.Status == models.OutlineStatusLoading) ||
			(e.OutlineID != r.lessonID && e.Status == models.OutlineStatusInProgress))

	var effects []Effect
	if subTurn {
		if r.activeID != "" {
			effects = append(effects, r.finalize(list)...)
		}
		if r.hold(e) {
			return effects
		}
	}

	effects = append(effects, LessonTreeUpdate{
		OutlineID:   e.OutlineID,
		Status:      e.Status,
		HasChildren: e.HasChildren,
		Title:       e.Title,
	})

	if e.HasChildren {
		if e.Status == models.OutlineStatusCompleted {
			effects = append(effects, EndTurn{})
		}
		return effects
	}

	switch {
	case e.OutlineID == r.lessonID && e.Status == models.OutlineStatusLoading:
		effects = append(effects, r.beginSubTurn(list)...)
	case e.OutlineID != r.lessonID && e.Status == models.OutlineStatusInProgress:
		r.lessonID = e.OutlineID
		effects = append(effects, LessonChanged{OutlineID: e.OutlineID})
		effects = append(effects, r.beginSubTurn(list)...)
	}
	return effects
}

// beginSubTurn starts a new sub-turn inside the same stream.
func (r *Reducer) beginSubTurn(list *blocks.List) []Effect {
	var effects []Effect
	if r.activeID != "" {
		effects = append(effects, r.finalize(list)...)
	}
	if r.pending != nil {
		effects = append(effects, r.materialize(list)...)
	}
	r.merger = markdown.Merger{}
	r.askThreadID = ""
	r.phase = PhaseAwaitingFirstToken
	list.PushSentinel()
	return effects
}

// Finish settles the turn after the stream ended normally. Withheld text is flushed, a loading sentinel
// that never received content is dropped, and a pending interaction no longer waits for a text end.
// While events are held for a typing animation, settling waits until they are replayed.
func (r *Reducer) Finish(list *blocks.List) []Effect {
	if len(r.held) > 0 {
		r.finishing = true
		return nil
	}

	var effects []Effect
	if r.activeID != "" {
		effects = append(effects, r.finalize(list)...)
	}
	list.RemoveSentinel()

	if r.pending != nil {
		r.pending.TextEndReceived = true
		if !r.awaitingTyping {
			r.pending.TypingFinished = true
		}
		effects = append(effects, r.tryMaterialize(list)...)
	}
	if r.pending == nil {
		r.phase = PhaseSettled
	}
	return effects
}

// Abort settles the turn after a transport failure. Partial output is kept and finalized as-is; a
// pending interaction is dropped.
func (r *Reducer) Abort(list *blocks.List) []Effect {
	r.dropPending()
	held := r.held
	r.held = nil
	r.finishing = false

	var effects []Effect
	for _, ev := range held {
		effects = append(effects, r.Reduce(list, ev)...)
	}
	if r.activeID != "" {
		effects = append(effects, r.finalize(list)...)
	}
	list.RemoveSentinel()

	r.dropPending()
	r.awaitingTyping = false
	r.phase = PhaseSettled
	return effects
}

func (r *Reducer) dropPending() {
	if r.pending == nil {
		return
	}
	r.logger.Debug("Dropping pending interaction", slog.String("blockID", r.pending.Block.ID))
	r.pending = nil
}

// Settled reports whether the turn needs nothing more: no active block, no pending interaction and no
// outstanding typing animation.
func (r *Reducer) Settled() bool {
	return r.activeID == "" && r.pending == nil && !r.awaitingTyping
}

// Phase returns the phase of the current turn.
func (r *Reducer) Phase() Phase {
	return r.phase
}

// ActiveBlockID returns the id of the block receiving deltas, or "" when none is.
func (r *Reducer) ActiveBlockID() string {
	return r.activeID
}

// LessonID returns the lesson the stream is currently producing blocks for.
func (r *Reducer) LessonID() string {
	return r.lessonID
}

// Pending returns a copy of the pending interaction.
func (r *Reducer) Pending() (PendingInteraction, bool) {
	if r.pending == nil {
		return PendingInteraction{}, false
	}
	return *r.pending, true
}

const errLoggerKey = "err"
