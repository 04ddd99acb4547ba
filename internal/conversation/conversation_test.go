package conversation_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/shifu-stream/internal/blocks"
	"github.com/MegaGrindStone/shifu-stream/internal/conversation"
	"github.com/MegaGrindStone/shifu-stream/internal/models"
	"github.com/MegaGrindStone/shifu-stream/internal/reducer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	opened chan *fakeStream

	mu      sync.Mutex
	streams []*fakeStream
}

type fakeStream struct {
	req models.StreamRequest
	ctx context.Context

	events chan models.Event
	fail   chan error
	acked  chan bool
	once   sync.Once
}

type fakeTree struct {
	mu       sync.Mutex
	updates  []models.OutlineItemUpdate
	switched []string

	onUpdate func()
}

type fakeProfile struct {
	mu     sync.Mutex
	values map[string]string
}

type fakePayment struct {
	mu    sync.Mutex
	shown int
}

type fakeRenderer struct {
	mu    sync.Mutex
	dones map[string]func()
}

type fakeHistory struct {
	records map[string][]models.HistoryRecord
}

type fakeSnapshots struct {
	mu    sync.Mutex
	saved map[string][]models.ContentBlock
}

const waitTimeout = time.Second

func newTestConversation(
	t *testing.T,
	opts conversation.Options,
) (*conversation.Conversation, *fakeTransport) {
	t.Helper()

	tr := &fakeTransport{opened: make(chan *fakeStream, 8)}
	c := conversation.New(tr, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		tr.closeAll()
		c.Close()
	})
	return c, tr
}

func TestStreamScenario(t *testing.T) {
	r := &fakeRenderer{dones: map[string]func(){}}
	c, tr := newTestConversation(t, conversation.Options{Renderer: r})

	require.NoError(t, c.Start(conversation.StartParams{
		CourseID:  "c1",
		LessonID:  "l1",
		Input:     "hi",
		InputKind: models.InputKindNormal,
	}))
	s := tr.next(t)
	assert.Equal(t, models.StreamRequest{
		ShifuBid:   "c1",
		OutlineBid: "l1",
		Input:      "hi",
		InputType:  models.InputKindNormal,
	}, s.req)

	assert.True(t, s.push(t, models.Heartbeat{}))
	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b1", Text: "Hel"}))
	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b1", Text: "lo"}))
	assert.True(t, s.push(t, models.TextEnd{BlockID: "b1"}))
	s.close()

	require.Eventually(t, func() bool {
		return c.Session().Status == conversation.StatusClosed
	}, waitTimeout, 5*time.Millisecond)
	assert.True(t, c.IsBusy(), "typing has not finished yet")

	r.finish(t, "b1")

	assert.False(t, c.IsBusy())
	assert.Equal(t, []models.ContentBlock{
		{ID: "b1", Kind: models.BlockKindContent, Text: "Hello", Readonly: true, LessonID: "l1"},
	}, c.Snapshot())
}

func TestRegenerateTruncatesBeforeStreaming(t *testing.T) {
	c, tr := newTestConversation(t, conversation.Options{})

	require.NoError(t, c.Restore("c1", "l1", []models.ContentBlock{
		{ID: "b1", Kind: models.BlockKindContent, Text: "old", Readonly: true, IsHistory: true},
		{ID: "like-b1", Kind: models.BlockKindLikeStatus, ParentID: "b1", LikeStatus: models.LikeStatusLiked},
	}))

	snaps := make(chan []models.ContentBlock, 16)
	c.Subscribe(func(b []models.ContentBlock) { snaps <- b })

	require.NoError(t, c.Regenerate("b1"))
	assert.Empty(t, nextSnapshot(t, snaps))
	assert.Equal(t, []models.ContentBlock{models.NewSentinel()}, nextSnapshot(t, snaps))

	s := tr.next(t)
	assert.Equal(t, "b1", s.req.ReloadGeneratedBlockBid)
	assert.Equal(t, "", s.req.Input)

	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b2", Text: "new"}))
	assert.Equal(t, []models.ContentBlock{
		{ID: "b2", Kind: models.BlockKindContent, Text: "new", LessonID: "l1"},
	}, nextSnapshot(t, snaps))
}

func TestRegenerateUnknownBlock(t *testing.T) {
	c, tr := newTestConversation(t, conversation.Options{})
	require.NoError(t, c.Restore("c1", "l1", []models.ContentBlock{
		{ID: "b1", Kind: models.BlockKindContent, Text: "old", Readonly: true},
	}))

	require.NoError(t, c.Regenerate("missing"))
	assert.False(t, c.IsBusy())
	assert.Len(t, c.Snapshot(), 1)
	assert.Empty(t, tr.opened)
}

func TestStaleSessionEventsAreDiscarded(t *testing.T) {
	c, tr := newTestConversation(t, conversation.Options{})

	require.NoError(t, c.Start(conversation.StartParams{CourseID: "c1", LessonID: "l1", Input: "a"}))
	a := tr.next(t)
	assert.True(t, a.push(t, models.ContentChunk{BlockID: "a1", Text: "first"}))

	require.NoError(t, c.Start(conversation.StartParams{CourseID: "c1", LessonID: "l1", Input: "b"}))
	b := tr.next(t)
	require.Error(t, a.ctx.Err(), "superseded transport must be closed")

	before := c.Snapshot()
	assert.False(t, a.push(t, models.ContentChunk{BlockID: "a1", Text: " late"}))
	assert.Equal(t, before, c.Snapshot())

	assert.True(t, b.push(t, models.ContentChunk{BlockID: "b1", Text: "second"}))
	assert.Equal(t, []models.ContentBlock{
		{ID: "a1", Kind: models.BlockKindContent, Text: "first", Readonly: true, LessonID: "l1"},
		{ID: "b1", Kind: models.BlockKindContent, Text: "second", LessonID: "l1"},
	}, c.Snapshot())
}

func TestBusyRejectsUserActions(t *testing.T) {
	c, tr := newTestConversation(t, conversation.Options{})

	require.ErrorIs(t, c.Send("too early"), conversation.ErrNoLesson)

	require.NoError(t, c.Restore("c1", "l1", []models.ContentBlock{
		{ID: "b1", Kind: models.BlockKindContent, Text: "intro", Readonly: true},
	}))
	require.NoError(t, c.Send("go"))
	s := tr.next(t)
	assert.Equal(t, "go", s.req.Input)
	assert.True(t, c.IsBusy())

	assert.ErrorIs(t, c.Send("again"), conversation.ErrOutputInProgress)
	assert.ErrorIs(t, c.Regenerate("b1"), conversation.ErrOutputInProgress)
	assert.ErrorIs(t, c.Ask("b1", "why?"), conversation.ErrOutputInProgress)
	assert.ErrorIs(t, c.SetLikeStatus("b1", models.LikeStatusLiked), conversation.ErrOutputInProgress)
}

func TestTransportFailureKeepsPartialOutput(t *testing.T) {
	c, tr := newTestConversation(t, conversation.Options{})

	require.NoError(t, c.Start(conversation.StartParams{CourseID: "c1", LessonID: "l1"}))
	s := tr.next(t)
	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b1", Text: "partial **bo"}))
	s.error(t, errors.New("connection reset"))

	require.Eventually(t, func() bool { return !c.IsBusy() }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, conversation.StatusClosed, c.Session().Status)
	assert.Equal(t, []models.ContentBlock{
		{ID: "b1", Kind: models.BlockKindContent, Text: "partial **bo", Readonly: true, LessonID: "l1"},
	}, c.Snapshot())
}

func TestOpenFailure(t *testing.T) {
	tr := &failingTransport{err: errors.New("503")}
	c := conversation.New(tr, conversation.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(c.Close)

	require.NoError(t, c.Start(conversation.StartParams{CourseID: "c1", LessonID: "l1"}))
	require.Eventually(t, func() bool { return !c.IsBusy() }, waitTimeout, 5*time.Millisecond)
	assert.Empty(t, c.Snapshot(), "loading placeholder is removed")
}

func TestCancelLeavesTranscript(t *testing.T) {
	c, tr := newTestConversation(t, conversation.Options{})

	require.NoError(t, c.Start(conversation.StartParams{CourseID: "c1", LessonID: "l1"}))
	s := tr.next(t)
	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b1", Text: "abc"}))
	before := c.Snapshot()
	gen := c.Session().Generation

	c.Cancel()

	session := c.Session()
	assert.Equal(t, conversation.StatusClosed, session.Status)
	assert.Greater(t, session.Generation, gen)
	assert.False(t, c.IsBusy())
	require.Error(t, s.ctx.Err())

	assert.False(t, s.push(t, models.TextEnd{BlockID: "b1"}))
	assert.Equal(t, before, c.Snapshot())
}

func TestCancelBeforeFirstToken(t *testing.T) {
	c, tr := newTestConversation(t, conversation.Options{})
	require.NoError(t, c.Restore("c1", "l1", []models.ContentBlock{
		{ID: "b1", Kind: models.BlockKindContent, Text: "Intro", Readonly: true},
	}))
	snaps := make(chan []models.ContentBlock, 16)
	c.Subscribe(func(b []models.ContentBlock) { snaps <- b })

	require.NoError(t, c.Send("go"))
	tr.next(t)
	got := nextSnapshot(t, snaps)
	require.Len(t, got, 2)
	assert.True(t, got[1].IsSentinel())

	c.Cancel()

	want := []models.ContentBlock{{ID: "b1", Kind: models.BlockKindContent, Text: "Intro", Readonly: true}}
	assert.Equal(t, want, nextSnapshot(t, snaps))
	assert.Equal(t, want, c.Snapshot())
	assert.False(t, c.IsBusy())
	require.NoError(t, c.SetLikeStatus("b1", models.LikeStatusLiked))
}

func TestSupersededSessionEffectsAreDropped(t *testing.T) {
	tree := &fakeTree{}
	c, tr := newTestConversation(t, conversation.Options{LessonTree: tree})
	tree.onUpdate = c.Cancel

	require.NoError(t, c.Start(conversation.StartParams{CourseID: "c1", LessonID: "l1"}))
	s := tr.next(t)
	s.push(t, models.OutlineItemUpdate{OutlineID: "l2", Status: models.OutlineStatusInProgress})

	tree.mu.Lock()
	defer tree.mu.Unlock()
	assert.Len(t, tree.updates, 1)
	assert.Empty(t, tree.switched, "lesson switch of a cancelled session")
}

func TestInteractionHoldsNextBlock(t *testing.T) {
	r := &fakeRenderer{dones: map[string]func(){}}
	c, tr := newTestConversation(t, conversation.Options{Renderer: r})

	require.NoError(t, c.Start(conversation.StartParams{CourseID: "c1", LessonID: "l1"}))
	s := tr.next(t)
	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b1", Text: "Pick one"}))
	assert.True(t, s.push(t, models.Interaction{BlockID: "i1", Payload: "?[A//a]"}))
	assert.True(t, s.push(t, models.TextEnd{BlockID: "b1"}))
	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b2", Text: "Meanwhile"}))

	got := c.Snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].ID)

	r.finish(t, "b1")

	got = c.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "i1", got[1].ID)
	assert.Equal(t, "b2", got[2].ID)
	assert.Equal(t, "Meanwhile", got[2].Text)
}

func TestInteractionWaitsForTyping(t *testing.T) {
	r := &fakeRenderer{dones: map[string]func(){}}
	c, tr := newTestConversation(t, conversation.Options{Renderer: r})

	require.NoError(t, c.Start(conversation.StartParams{CourseID: "c1", LessonID: "l1"}))
	s := tr.next(t)
	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b1", Text: "Pick one"}))
	assert.True(t, s.push(t, models.Interaction{BlockID: "i1", Payload: "?[A//a]"}))
	assert.True(t, s.push(t, models.TextEnd{BlockID: "b1"}))
	s.close()

	require.Eventually(t, func() bool {
		return c.Session().Status == conversation.StatusClosed
	}, waitTimeout, 5*time.Millisecond)

	session := c.Session()
	require.NotNil(t, session.PendingInteraction)
	assert.Equal(t, "i1", session.PendingInteraction.ID)
	assert.Len(t, c.Snapshot(), 1)
	assert.True(t, c.IsBusy())

	r.finish(t, "b1")

	got := c.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, models.ContentBlock{
		ID: "i1", Kind: models.BlockKindInteraction, Text: "?[A//a]", LessonID: "l1",
	}, got[1])
	assert.Nil(t, c.Session().PendingInteraction)
	assert.False(t, c.IsBusy())
}

func TestStreamEffects(t *testing.T) {
	tree := &fakeTree{}
	profile := &fakeProfile{values: map[string]string{}}
	payment := &fakePayment{}
	c, tr := newTestConversation(t, conversation.Options{
		LessonTree: tree,
		Profile:    profile,
		Payment:    payment,
	})

	require.NoError(t, c.Start(conversation.StartParams{CourseID: "c1", LessonID: "l1"}))
	s := tr.next(t)

	assert.True(t, s.push(t, models.ProfileUpdate{Key: "nickname", Value: "Ada"}))
	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b1", Text: "Unlock the rest"}))
	assert.True(t, s.push(t, models.Interaction{BlockID: "i1", Payload: "?[Pay//_sys_pay]"}))
	assert.True(t, s.push(t, models.TextEnd{BlockID: "b1"}))
	assert.Equal(t, 1, payment.count())

	assert.True(t, s.push(t, models.OutlineItemUpdate{OutlineID: "l2", Status: models.OutlineStatusInProgress}))
	_, lessonID := c.Lesson()
	assert.Equal(t, "l2", lessonID)

	assert.False(t, s.push(t, models.OutlineItemUpdate{
		OutlineID:   "ch1",
		Status:      models.OutlineStatusCompleted,
		HasChildren: true,
	}), "a completed chapter ends the stream")
	require.Error(t, s.ctx.Err())
	assert.Equal(t, conversation.StatusClosed, c.Session().Status)
	assert.False(t, c.IsBusy())

	assert.Equal(t, "Ada", profile.get("nickname"))

	tree.mu.Lock()
	defer tree.mu.Unlock()
	assert.Equal(t, []string{"l2"}, tree.switched)
	require.Len(t, tree.updates, 2)
	assert.Equal(t, "ch1", tree.updates[1].OutlineID)
}

func TestLoadLesson(t *testing.T) {
	snapshots := &fakeSnapshots{saved: map[string][]models.ContentBlock{}}
	c, tr := newTestConversation(t, conversation.Options{
		History: fakeHistory{records: map[string][]models.HistoryRecord{
			"l1": {
				{ID: "1", BlockType: models.RecordTypeContent, GeneratedBlockBid: "b1", Content: "Intro"},
				{ID: "2", BlockType: models.RecordTypeInteraction, GeneratedBlockBid: "i1", Content: "?[Ok//ok]", UserInput: "ok"},
				{ID: "3", BlockType: models.RecordTypeContent, GeneratedBlockBid: "b2", Content: "Half"},
			},
		}},
		Snapshots: snapshots,
	})

	require.ErrorIs(t, c.LoadLesson(context.Background(), "c1", ""), conversation.ErrNoLesson)
	require.NoError(t, c.LoadLesson(context.Background(), "c1", "l1"))

	s := tr.next(t)
	assert.Equal(t, "", s.req.Input)
	assert.Equal(t, "l1", s.req.OutlineBid)

	got := c.Snapshot()
	require.Len(t, got, 4)
	assert.True(t, got[3].IsSentinel())
	assert.False(t, got[2].Readonly)

	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b2", Text: " and more"}))
	got = c.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "Half and more", got[2].Text)
	assert.False(t, got[2].IsHistory)

	require.NoError(t, c.LoadLesson(context.Background(), "c1", "l2"))
	require.Error(t, s.ctx.Err())
	assert.Empty(t, c.Snapshot())
	assert.False(t, c.IsBusy())

	courseID, lessonID := c.Lesson()
	assert.Equal(t, "c1", courseID)
	assert.Equal(t, "l2", lessonID)

	snapshots.mu.Lock()
	defer snapshots.mu.Unlock()
	require.Len(t, snapshots.saved["c1/l1"], 3)
	assert.Equal(t, "Half and more", snapshots.saved["c1/l1"][2].Text)
}

func TestLoadLessonResumesWithNewBlock(t *testing.T) {
	c, tr := newTestConversation(t, conversation.Options{
		History: fakeHistory{records: map[string][]models.HistoryRecord{
			"l1": {
				{ID: "1", BlockType: models.RecordTypeContent, GeneratedBlockBid: "b1", Content: "Intro"},
				{ID: "2", BlockType: models.RecordTypeContent, GeneratedBlockBid: "b2", Content: "Half"},
			},
		}},
	})

	require.NoError(t, c.LoadLesson(context.Background(), "c1", "l1"))
	s := tr.next(t)
	assert.True(t, s.push(t, models.ContentChunk{BlockID: "b3", Text: "Fresh start"}))
	assert.True(t, s.push(t, models.TextEnd{BlockID: "b3"}))
	s.close()
	require.Eventually(t, func() bool { return !c.IsBusy() }, waitTimeout, 5*time.Millisecond)

	got := c.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "Half", got[1].Text)
	assert.Equal(t, "b3", got[2].ID)
	for _, b := range got {
		assert.True(t, b.Readonly, "block %s left writable", b.ID)
	}
}

func TestAsk(t *testing.T) {
	c, tr := newTestConversation(t, conversation.Options{})
	require.NoError(t, c.Restore("c1", "l1", []models.ContentBlock{
		{ID: "b1", Kind: models.BlockKindContent, Text: "Goroutines", Readonly: true},
	}))

	require.ErrorIs(t, c.Ask("missing", "why?"), blocks.ErrInvalidBlock)
	require.NoError(t, c.Ask("b1", "why?"))

	s := tr.next(t)
	assert.Equal(t, models.InputKindAsk, s.req.InputType)
	assert.Equal(t, models.AskInput{Question: "why?", GeneratedBlockBid: "b1"}, s.req.Input)

	assert.True(t, s.push(t, models.ContentChunk{BlockID: "x1", Text: "Because."}))
	assert.True(t, s.push(t, models.TextEnd{BlockID: "x1"}))
	s.close()
	require.Eventually(t, func() bool { return !c.IsBusy() }, waitTimeout, 5*time.Millisecond)

	got := c.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, models.BlockKindAskThread, got[1].Kind)
	assert.Equal(t, "b1", got[1].ParentID)
	assert.True(t, got[1].Expanded)
	assert.Equal(t, []models.AskEntry{
		{Role: models.AskRoleAsk, Text: "why?"},
		{Role: models.AskRoleAnswer, Text: "Because."},
	}, got[1].AskEntries)

	assert.False(t, c.ToggleAsk("b1"))
	assert.True(t, c.ToggleAsk("b1"))
	assert.False(t, c.ToggleAsk("missing"))
}

func TestRespond(t *testing.T) {
	payment := &fakePayment{}
	c, tr := newTestConversation(t, conversation.Options{Payment: payment})
	require.NoError(t, c.Restore("c1", "l1", []models.ContentBlock{
		{ID: "b1", Kind: models.BlockKindContent, Text: "Ready?", Readonly: true},
		{ID: "i1", Kind: models.BlockKindInteraction, Text: "?[Yes//yes]"},
	}))

	require.NoError(t, c.Respond("i1", reducer.PayAction))
	assert.Equal(t, 1, payment.count())
	assert.Empty(t, tr.opened)

	require.ErrorIs(t, c.Respond("b1", "yes"), blocks.ErrInvalidBlock)
	require.NoError(t, c.Respond("i1", "yes"))

	s := tr.next(t)
	assert.Equal(t, "yes", s.req.Input)

	got := c.Snapshot()
	require.Len(t, got, 3)
	assert.True(t, got[1].Readonly)
	assert.Equal(t, "yes", got[1].UserInput)
	assert.True(t, got[2].IsSentinel())
}

func TestSetLikeStatus(t *testing.T) {
	c, _ := newTestConversation(t, conversation.Options{})
	require.NoError(t, c.Restore("c1", "l1", []models.ContentBlock{
		{ID: "b1", Kind: models.BlockKindContent, Text: "Nice", Readonly: true},
	}))

	require.NoError(t, c.SetLikeStatus("b1", models.LikeStatusLiked))
	require.NoError(t, c.SetLikeStatus("b1", models.LikeStatusDisliked))
	require.ErrorIs(t, c.SetLikeStatus("missing", models.LikeStatusLiked), blocks.ErrInvalidBlock)

	got := c.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, models.BlockKindLikeStatus, got[1].Kind)
	assert.Equal(t, "b1", got[1].ParentID)
	assert.Equal(t, models.LikeStatusDisliked, got[1].LikeStatus)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "streaming", conversation.StatusStreaming.String())
	assert.Equal(t, "unknown", conversation.Status(42).String())
}

func nextSnapshot(t *testing.T, snaps <-chan []models.ContentBlock) []models.ContentBlock {
	t.Helper()
	select {
	case b := <-snaps:
		return b
	case <-time.After(waitTimeout):
		t.Fatal("no snapshot published")
		return nil
	}
}

func (f *fakeTransport) Open(ctx context.Context, req models.StreamRequest) (iter.Seq2[models.Event, error], error) {
	s := &fakeStream{
		req:    req,
		ctx:    ctx,
		events: make(chan models.Event),
		fail:   make(chan error),
		acked:  make(chan bool),
	}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()

	f.opened <- s
	return s.seq, nil
}

func (f *fakeTransport) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-f.opened:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("no stream opened")
		return nil
	}
}

func (f *fakeTransport) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.streams {
		s.close()
	}
}

// seq ignores ctx on purpose, so a closed stream can still deliver an event the way a real transport
// delivers one already buffered.
func (s *fakeStream) seq(yield func(models.Event, error) bool) {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			cont := yield(ev, nil)
			s.acked <- cont
			if !cont {
				return
			}
		case err := <-s.fail:
			yield(nil, err)
			s.acked <- false
			return
		}
	}
}

// push delivers ev and reports whether the conversation still accepts events from this stream.
func (s *fakeStream) push(t *testing.T, ev models.Event) bool {
	t.Helper()
	select {
	case s.events <- ev:
	case <-time.After(waitTimeout):
		t.Fatal("event not received")
	}
	select {
	case ok := <-s.acked:
		return ok
	case <-time.After(waitTimeout):
		t.Fatal("event not processed")
		return false
	}
}

func (s *fakeStream) error(t *testing.T, err error) {
	t.Helper()
	select {
	case s.fail <- err:
	case <-time.After(waitTimeout):
		t.Fatal("error not received")
	}
	<-s.acked
}

func (s *fakeStream) close() {
	s.once.Do(func() { close(s.events) })
}

type failingTransport struct {
	err error
}

func (f *failingTransport) Open(context.Context, models.StreamRequest) (iter.Seq2[models.Event, error], error) {
	return nil, f.err
}

func (f *fakeTree) UpdateOutline(update models.OutlineItemUpdate) {
	f.mu.Lock()
	f.updates = append(f.updates, update)
	onUpdate := f.onUpdate
	f.mu.Unlock()

	if onUpdate != nil {
		onUpdate()
	}
}

func (f *fakeTree) SwitchLesson(outlineID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, outlineID)
}

func (f *fakeProfile) UpdateProfile(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
}

func (f *fakeProfile) get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

func (f *fakePayment) ShowPayment() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown++
}

func (f *fakePayment) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shown
}

func (f *fakeRenderer) Render(blockID, _ string, streaming bool, done func()) {
	if streaming {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dones[blockID] = done
}

func (f *fakeRenderer) finish(t *testing.T, blockID string) {
	t.Helper()
	f.mu.Lock()
	done, ok := f.dones[blockID]
	f.mu.Unlock()
	require.True(t, ok, "block %s was never rendered as final", blockID)
	done()
}

func (f fakeHistory) Records(_ context.Context, _, lessonID string) ([]models.HistoryRecord, error) {
	return f.records[lessonID], nil
}

func (f *fakeSnapshots) SaveSnapshot(_ context.Context, courseID, lessonID string, b []models.ContentBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[courseID+"/"+lessonID] = b
	return nil
}
