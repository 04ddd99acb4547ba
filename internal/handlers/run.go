package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/shifu-stream/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// lessonRun is the state of one lesson stream.
type lessonRun struct {
	sess *sse.Session

	chapter models.Chapter
	lesson  models.Lesson
	next    *models.Lesson
	records []models.HistoryRecord
}

var errNoQuestion = errors.New("question is required")

// HandleRun opens a lesson stream. The request body is a models.StreamRequest; the response is a stream of
// server-sent events, each carrying one JSON envelope.
//
// A NORMAL request answers the interaction that ended the previous turn, if any, then generates the
// lesson's remaining sections until the next interaction. A finished lesson moves on to the next lesson of
// the chapter in the same stream, and the stream ends with the chapter's completion. An ASK request
// answers a question about a content block without moving the lesson forward.
//
// A reload_generated_block_bid drops that block and everything after it before generating.
func (m Main) HandleRun(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("shifu")
	lessonID := r.PathValue("outline")

	if courseID != m.course.ID {
		m.logger.Error("Course not found", slog.String("courseID", courseID))
		http.Error(w, "Course not found", http.StatusNotFound)
		return
	}
	chapter, lesson, next, ok := m.course.Lesson(lessonID)
	if !ok {
		m.logger.Error("Lesson not found", slog.String("lessonID", lessonID))
		http.Error(w, "Lesson not found", http.StatusNotFound)
		return
	}

	var req models.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode stream request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ask models.AskInput
	if req.InputType == models.InputKindAsk {
		var err error
		ask, err = askInput(req.Input)
		if err != nil {
			m.logger.Error("Invalid ask input", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if req.ReloadGeneratedBlockBid != "" {
		found, err := m.store.TruncateFrom(ctx, courseID, lessonID, req.ReloadGeneratedBlockBid)
		if err != nil {
			m.logger.Error("Failed to truncate records",
				slog.String("blockID", req.ReloadGeneratedBlockBid),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			m.logger.Warn("Reloaded block not found", slog.String("blockID", req.ReloadGeneratedBlockBid))
		}
	}

	records, err := m.store.Records(ctx, courseID, lessonID)
	if err != nil {
		m.logger.Error("Failed to get records",
			slog.String("lessonID", lessonID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	run := &lessonRun{
		sess:    sess,
		chapter: chapter,
		lesson:  lesson,
		next:    next,
		records: records,
	}

	if req.InputType == models.InputKindAsk {
		err = m.answer(ctx, run, ask)
	} else {
		err = m.teach(ctx, run, inputText(req.Input))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Lesson stream failed",
			slog.String("lessonID", run.lesson.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// teach continues the lesson from where its records stop.
func (m Main) teach(ctx context.Context, run *lessonRun, input string) error {
	if last, ok := awaitingAnswer(run.records); ok {
		if input == "" {
			// Nothing to continue with until the learner answers.
			return nil
		}
		if err := m.answerInteraction(ctx, run, last, input); err != nil {
			return err
		}
	}

	// A section whose interaction was dropped by a reload asks it again.
	if n := len(run.records); n > 0 && run.records[n-1].BlockType == models.RecordTypeContent {
		idx := sectionsDone(run.records) - 1
		if idx < len(run.lesson.Sections) && run.lesson.Sections[idx].Interactive() {
			return m.interaction(run, run.lesson.Sections[idx])
		}
	}

	for {
		if len(run.records) == 0 {
			err := run.send(models.OutlineItemUpdate{
				OutlineID: run.lesson.ID,
				Status:    models.OutlineStatusInProgress,
				Title:     run.lesson.Title,
			})
			if err != nil {
				return err
			}
		}

		for idx := sectionsDone(run.records); idx < len(run.lesson.Sections); idx++ {
			sec := run.lesson.Sections[idx]
			if err := m.section(ctx, run, sec); err != nil {
				return err
			}
			if sec.Interactive() {
				return m.interaction(run, sec)
			}
		}

		err := run.send(models.OutlineItemUpdate{
			OutlineID: run.lesson.ID,
			Status:    models.OutlineStatusCompleted,
		})
		if err != nil {
			return err
		}

		if run.next == nil {
			return run.send(models.OutlineItemUpdate{
				OutlineID:   run.chapter.ID,
				Status:      models.OutlineStatusCompleted,
				HasChildren: true,
			})
		}

		if err := m.advance(ctx, run); err != nil {
			return err
		}
		if _, ok := awaitingAnswer(run.records); ok {
			return nil
		}
	}
}

func (m Main) answerInteraction(ctx context.Context, run *lessonRun, rec models.HistoryRecord, input string) error {
	rec.UserInput = input
	if err := m.store.UpdateRecord(ctx, m.course.ID, run.lesson.ID, rec); err != nil {
		return fmt.Errorf("failed to update interaction: %w", err)
	}
	run.records[len(run.records)-1] = rec

	idx := sectionsDone(run.records) - 1
	if idx < 0 || idx >= len(run.lesson.Sections) {
		return nil
	}
	key := run.lesson.Sections[idx].ProfileKey
	if key == "" || input == models.PayAction {
		return nil
	}
	return run.send(models.ProfileUpdate{Key: key, Value: input})
}

// advance moves the run to the next lesson of the chapter.
func (m Main) advance(ctx context.Context, run *lessonRun) error {
	_, lesson, next, ok := m.course.Lesson(run.next.ID)
	if !ok {
		return fmt.Errorf("lesson %s is not in the course", run.next.ID)
	}
	records, err := m.store.Records(ctx, m.course.ID, lesson.ID)
	if err != nil {
		return fmt.Errorf("failed to get records: %w", err)
	}

	run.lesson = lesson
	run.next = next
	run.records = records

	if len(records) > 0 {
		// The in_progress update is otherwise sent when the empty lesson starts.
		return run.send(models.OutlineItemUpdate{
			OutlineID: lesson.ID,
			Status:    models.OutlineStatusInProgress,
			Title:     lesson.Title,
		})
	}
	return nil
}

// section generates one content block and records it. A failed generation is recorded as an error block so
// the learner can resume the lesson from it.
func (m Main) section(ctx context.Context, run *lessonRun, sec models.Section) error {
	bid := uuid.New().String()
	messages := append(promptMessages(run.records), models.PromptMessage{
		Role:    models.RoleUser,
		Content: sec.Prompt,
	})

	var sb strings.Builder
	err := m.generate(ctx, run, messages, func(chunk string) error {
		sb.WriteString(chunk)
		return run.send(models.ContentChunk{BlockID: bid, Text: chunk})
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		_ = m.addRecord(run, models.HistoryRecord{
			BlockType:         models.RecordTypeError,
			GeneratedBlockBid: bid,
			Content:           "The lesson could not be generated. Please try again.",
		})
		return fmt.Errorf("failed to generate section: %w", err)
	}

	if err := run.send(models.TextEnd{BlockID: bid}); err != nil {
		return err
	}
	return m.addRecord(run, models.HistoryRecord{
		BlockType:         models.RecordTypeContent,
		GeneratedBlockBid: bid,
		Content:           sb.String(),
	})
}

func (m Main) interaction(run *lessonRun, sec models.Section) error {
	bid := uuid.New().String()
	payload := sec.InteractionPayload()
	if err := run.send(models.Interaction{BlockID: bid, Payload: payload}); err != nil {
		return err
	}
	return m.addRecord(run, models.HistoryRecord{
		BlockType:         models.RecordTypeInteraction,
		GeneratedBlockBid: bid,
		Content:           payload,
	})
}

// answer streams the answer to a learner's question. The question and the answer are recorded as an ask
// thread.
func (m Main) answer(ctx context.Context, run *lessonRun, ask models.AskInput) error {
	err := m.addRecord(run, models.HistoryRecord{
		BlockType:         models.RecordTypeAsk,
		GeneratedBlockBid: uuid.New().String(),
		Content:           ask.Question,
	})
	if err != nil {
		return err
	}

	var about string
	for _, rec := range run.records {
		if rec.GeneratedBlockBid == ask.GeneratedBlockBid {
			about = rec.Content
		}
	}
	messages := append(promptMessages(run.records[:len(run.records)-1]), models.PromptMessage{
		Role:    models.RoleUser,
		Content: fmt.Sprintf("About this part of the lesson:\n\n%s\n\nQuestion: %s", about, ask.Question),
	})

	bid := uuid.New().String()
	var sb strings.Builder
	err = m.generate(ctx, run, messages, func(chunk string) error {
		sb.WriteString(chunk)
		return run.send(models.ContentChunk{BlockID: bid, Text: chunk})
	})
	if err != nil {
		return fmt.Errorf("failed to generate answer: %w", err)
	}
	if err := run.send(models.TextEnd{BlockID: bid}); err != nil {
		return err
	}

	return m.addRecord(run, models.HistoryRecord{
		BlockType:         models.RecordTypeAnswer,
		GeneratedBlockBid: bid,
		Content:           sb.String(),
	})
}

// generate runs the lesson generator and hands every chunk to emit. Heartbeats are pushed while the
// generator is silent.
func (m Main) generate(
	ctx context.Context,
	run *lessonRun,
	messages []models.PromptMessage,
	emit func(chunk string) error,
) error {
	type chunk struct {
		text string
		err  error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan chunk)
	go func() {
		defer close(chunks)
		for text, err := range m.generator.Generate(ctx, messages) {
			select {
			case chunks <- chunk{text: text, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := run.send(models.Heartbeat{}); err != nil {
				return err
			}
		case c, ok := <-chunks:
			if !ok {
				return nil
			}
			if c.err != nil {
				return c.err
			}
			if c.text == "" {
				continue
			}
			if err := emit(c.text); err != nil {
				return err
			}
		}
	}
}

func (m Main) addRecord(run *lessonRun, rec models.HistoryRecord) error {
	rec.LessonID = run.lesson.ID
	// Records survive a client that hung up mid-stream.
	id, err := m.store.AddRecord(context.Background(), m.course.ID, run.lesson.ID, rec)
	if err != nil {
		m.logger.Error("Failed to add record",
			slog.String("record", fmt.Sprintf("%+v", rec)),
			slog.String(errLoggerKey, err.Error()))
		return fmt.Errorf("failed to add record: %w", err)
	}
	rec.ID = id
	run.records = append(run.records, rec)
	return nil
}

func (run *lessonRun) send(ev models.Event) error {
	env, err := models.NewEnvelope(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := &sse.Message{}
	msg.AppendData(string(data))
	if err := run.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	if err := run.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", env.Type, err)
	}
	return nil
}

// awaitingAnswer returns the interaction that ends records if the learner has not answered it yet.
func awaitingAnswer(records []models.HistoryRecord) (models.HistoryRecord, bool) {
	if len(records) == 0 {
		return models.HistoryRecord{}, false
	}
	last := records[len(records)-1]
	if last.BlockType != models.RecordTypeInteraction || last.UserInput != "" {
		return models.HistoryRecord{}, false
	}
	return last, true
}

// sectionsDone counts the sections of a lesson that already produced content.
func sectionsDone(records []models.HistoryRecord) int {
	n := 0
	for _, rec := range records {
		if rec.BlockType == models.RecordTypeContent {
			n++
		}
	}
	return n
}

func promptMessages(records []models.HistoryRecord) []models.PromptMessage {
	var messages []models.PromptMessage
	for _, rec := range records {
		switch rec.BlockType {
		case models.RecordTypeContent, models.RecordTypeAnswer:
			messages = append(messages, models.PromptMessage{Role: models.RoleAssistant, Content: rec.Content})
		case models.RecordTypeAsk:
			messages = append(messages, models.PromptMessage{Role: models.RoleUser, Content: rec.Content})
		case models.RecordTypeInteraction:
			if rec.UserInput != "" {
				messages = append(messages, models.PromptMessage{Role: models.RoleUser, Content: rec.UserInput})
			}
		}
	}
	return messages
}

func inputText(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func askInput(input any) (models.AskInput, error) {
	var ask models.AskInput
	raw, err := json.Marshal(input)
	if err != nil {
		return ask, fmt.Errorf("failed to marshal ask input: %w", err)
	}
	if err := json.Unmarshal(raw, &ask); err != nil {
		return ask, fmt.Errorf("failed to unmarshal ask input: %w", err)
	}
	if strings.TrimSpace(ask.Question) == "" {
		return ask, errNoQuestion
	}
	return ask, nil
}
