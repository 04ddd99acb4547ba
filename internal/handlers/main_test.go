package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/shifu-stream/internal/handlers"
	"github.com/MegaGrindStone/shifu-stream/internal/models"
	"github.com/tmaxmax/go-sse"
)

type mockGenerator struct {
	responses []string
	delay     time.Duration
	err       error

	mu       sync.Mutex
	messages [][]models.PromptMessage
}

type mockStore struct {
	mu      sync.Mutex
	records map[string][]models.HistoryRecord
	nextID  int
	err     error
}

var testCourse = models.Course{
	ID:    "c1",
	Title: "Go basics",
	Chapters: []models.Chapter{
		{
			ID:    "ch1",
			Title: "Concurrency",
			Lessons: []models.Lesson{
				{
					ID:    "l1",
					Title: "Goroutines",
					Sections: []models.Section{
						{
							Prompt:     "Introduce goroutines.",
							Buttons:    []models.Button{{Label: "New to Go", Value: "beginner"}},
							ProfileKey: "level",
						},
						{Prompt: "Summarize goroutines."},
					},
				},
				{
					ID:       "l2",
					Title:    "Channels",
					Sections: []models.Section{{Prompt: "Explain channels."}},
				},
			},
		},
	},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T, gen *mockGenerator, store *mockStore, heartbeat time.Duration) *httptest.Server {
	t.Helper()

	main := handlers.NewMain(gen, store, testCourse, heartbeat, discardLogger())
	mux := http.NewServeMux()
	main.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		if err := main.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		srv.Close()
	})
	return srv
}

func runLesson(t *testing.T, srv *httptest.Server, lessonID string, req models.StreamRequest) []models.Event {
	t.Helper()

	resp := postRun(t, srv, "c1", lessonID, req)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("HandleRun() status = %v, want %v", resp.StatusCode, http.StatusOK)
	}

	var events []models.Event
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		e, ok, err := models.DecodeEnvelope([]byte(ev.Data))
		if err != nil {
			t.Fatalf("DecodeEnvelope(%s) error = %v", ev.Data, err)
		}
		if !ok {
			t.Fatalf("DecodeEnvelope(%s) returned an unknown event", ev.Data)
		}
		events = append(events, e)
	}
	return events
}

func postRun(t *testing.T, srv *httptest.Server, courseID, lessonID string, req any) *http.Response {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(
		fmt.Sprintf("%s/api/learn/run/%s/%s", srv.URL, courseID, lessonID),
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	return resp
}

func kinds(events []models.Event) []string {
	res := make([]string, 0, len(events))
	for _, ev := range events {
		switch e := ev.(type) {
		case models.OutlineItemUpdate:
			res = append(res, fmt.Sprintf("outline:%s:%s", e.OutlineID, e.Status))
		case models.ProfileUpdate:
			res = append(res, fmt.Sprintf("profile:%s=%s", e.Key, e.Value))
		case models.ContentChunk:
			res = append(res, "content:"+e.Text)
		case models.Interaction:
			res = append(res, "interaction:"+e.Payload)
		case models.TextEnd:
			res = append(res, "text_end")
		case models.Heartbeat:
			res = append(res, "heartbeat")
		default:
			res = append(res, fmt.Sprintf("%T", ev))
		}
	}
	return res
}

func TestNewMain(t *testing.T) {
	main := handlers.NewMain(&mockGenerator{}, newMockStore(), testCourse, 0, discardLogger())

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
	// Shutdown is idempotent.
	if main.Shutdown(context.Background()) != nil {
		t.Error("second Shutdown() should not return error")
	}
}

func TestHandleRunLesson(t *testing.T) {
	gen := &mockGenerator{responses: []string{"Hello ", "world"}}
	store := newMockStore()
	srv := newServer(t, gen, store, time.Hour)

	events := runLesson(t, srv, "l1", models.StreamRequest{
		ShifuBid:   "c1",
		OutlineBid: "l1",
		InputType:  models.InputKindNormal,
	})

	want := []string{
		"outline:l1:in_progress",
		"content:Hello ",
		"content:world",
		"text_end",
		"interaction:?[New to Go//beginner]",
	}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	recs := store.lesson("l1")
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].BlockType != models.RecordTypeContent || recs[0].Content != "Hello world" {
		t.Errorf("records[0] = %+v, want content %q", recs[0], "Hello world")
	}
	if recs[1].BlockType != models.RecordTypeInteraction || recs[1].UserInput != "" {
		t.Errorf("records[1] = %+v, want an unanswered interaction", recs[1])
	}
	if recs[0].LessonID != "l1" {
		t.Errorf("records[0].LessonID = %q, want %q", recs[0].LessonID, "l1")
	}

	// Answering the interaction finishes the lesson and continues with the next one.
	events = runLesson(t, srv, "l1", models.StreamRequest{
		ShifuBid:   "c1",
		OutlineBid: "l1",
		Input:      "beginner",
		InputType:  models.InputKindNormal,
	})

	want = []string{
		"profile:level=beginner",
		"content:Hello ",
		"content:world",
		"text_end",
		"outline:l1:completed",
		"outline:l2:in_progress",
		"content:Hello ",
		"content:world",
		"text_end",
		"outline:l2:completed",
		"outline:ch1:completed",
	}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	last := events[len(events)-1].(models.OutlineItemUpdate)
	if !last.HasChildren {
		t.Error("chapter completion should have children")
	}

	recs = store.lesson("l1")
	if len(recs) != 3 || recs[1].UserInput != "beginner" {
		t.Errorf("l1 records = %+v, want the interaction answered", recs)
	}
	if got := store.lesson("l2"); len(got) != 1 {
		t.Errorf("got %d l2 records, want 1", len(got))
	}

	// The answer is part of the prompt for the following section.
	gen.mu.Lock()
	defer gen.mu.Unlock()
	prompt := gen.messages[1]
	if prompt[len(prompt)-2].Content != "beginner" || prompt[len(prompt)-1].Content != "Summarize goroutines." {
		t.Errorf("prompt = %+v", prompt)
	}
}

func TestHandleRunAwaitsAnswer(t *testing.T) {
	gen := &mockGenerator{responses: []string{"text"}}
	store := newMockStore()
	store.records["c1/l1"] = []models.HistoryRecord{
		{ID: "1", BlockType: models.RecordTypeContent, GeneratedBlockBid: "b1", Content: "Hi"},
		{ID: "2", BlockType: models.RecordTypeInteraction, GeneratedBlockBid: "i1", Content: "?[Ok//ok]"},
	}
	srv := newServer(t, gen, store, time.Hour)

	events := runLesson(t, srv, "l1", models.StreamRequest{InputType: models.InputKindNormal})
	if len(events) != 0 {
		t.Errorf("events = %v, want none", kinds(events))
	}
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.messages) != 0 {
		t.Error("generator should not run while an interaction is unanswered")
	}
}

func TestHandleRunReload(t *testing.T) {
	gen := &mockGenerator{responses: []string{"again"}}
	store := newMockStore()
	store.records["c1/l2"] = []models.HistoryRecord{
		{ID: "1", BlockType: models.RecordTypeContent, GeneratedBlockBid: "b1", Content: "old"},
	}
	srv := newServer(t, gen, store, time.Hour)

	events := runLesson(t, srv, "l2", models.StreamRequest{
		InputType:               models.InputKindNormal,
		ReloadGeneratedBlockBid: "b1",
	})

	want := []string{
		"outline:l2:in_progress",
		"content:again",
		"text_end",
		"outline:l2:completed",
		"outline:ch1:completed",
	}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	recs := store.lesson("l2")
	if len(recs) != 1 || recs[0].Content != "again" || recs[0].GeneratedBlockBid == "b1" {
		t.Errorf("records = %+v, want the regenerated block only", recs)
	}
}

func TestHandleRunAsk(t *testing.T) {
	gen := &mockGenerator{responses: []string{"Because ", "it is cheap."}}
	store := newMockStore()
	store.records["c1/l1"] = []models.HistoryRecord{
		{ID: "1", BlockType: models.RecordTypeContent, GeneratedBlockBid: "b1", Content: "Goroutines are cheap."},
	}
	srv := newServer(t, gen, store, time.Hour)

	events := runLesson(t, srv, "l1", models.StreamRequest{
		Input:     models.AskInput{Question: "Why?", GeneratedBlockBid: "b1"},
		InputType: models.InputKindAsk,
	})

	want := []string{"content:Because ", "content:it is cheap.", "text_end"}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	recs := store.lesson("l1")
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[1].BlockType != models.RecordTypeAsk || recs[1].Content != "Why?" {
		t.Errorf("records[1] = %+v, want the question", recs[1])
	}
	if recs[2].BlockType != models.RecordTypeAnswer || recs[2].Content != "Because it is cheap." {
		t.Errorf("records[2] = %+v, want the answer", recs[2])
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	prompt := gen.messages[0]
	if !strings.Contains(prompt[len(prompt)-1].Content, "Goroutines are cheap.") {
		t.Errorf("prompt = %+v, want the asked block quoted", prompt)
	}
}

func TestHandleRunGeneratorError(t *testing.T) {
	gen := &mockGenerator{err: errors.New("model overloaded")}
	store := newMockStore()
	srv := newServer(t, gen, store, time.Hour)

	events := runLesson(t, srv, "l2", models.StreamRequest{InputType: models.InputKindNormal})

	want := []string{"outline:l2:in_progress"}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	recs := store.lesson("l2")
	if len(recs) != 1 || recs[0].BlockType != models.RecordTypeError {
		t.Errorf("records = %+v, want one error record", recs)
	}
}

func TestHandleRunHeartbeat(t *testing.T) {
	gen := &mockGenerator{responses: []string{"slow"}, delay: 100 * time.Millisecond}
	store := newMockStore()
	srv := newServer(t, gen, store, 10*time.Millisecond)

	events := runLesson(t, srv, "l2", models.StreamRequest{InputType: models.InputKindNormal})

	got := kinds(events)
	if !slices.Contains(got, "heartbeat") {
		t.Errorf("events = %v, want a heartbeat while the generator is silent", got)
	}
	if !slices.Contains(got, "content:slow") {
		t.Errorf("events = %v, want the generated content", got)
	}
}

func TestHandleRunInvalidRequest(t *testing.T) {
	srv := newServer(t, &mockGenerator{}, newMockStore(), time.Hour)

	tests := []struct {
		name       string
		courseID   string
		lessonID   string
		body       any
		wantStatus int
	}{
		{
			name:       "Unknown course",
			courseID:   "c2",
			lessonID:   "l1",
			body:       models.StreamRequest{},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Unknown lesson",
			courseID:   "c1",
			lessonID:   "l9",
			body:       models.StreamRequest{},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Malformed body",
			courseID:   "c1",
			lessonID:   "l1",
			body:       "not a request",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Ask without question",
			courseID:   "c1",
			lessonID:   "l1",
			body:       models.StreamRequest{InputType: models.InputKindAsk, Input: models.AskInput{}},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRun(t, srv, tt.courseID, tt.lessonID, tt.body)
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("HandleRun() status = %v, want %v", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestHandleRecords(t *testing.T) {
	store := newMockStore()
	store.records["c1/l1"] = []models.HistoryRecord{
		{ID: "1", BlockType: models.RecordTypeContent, GeneratedBlockBid: "b1", Content: "Hi", LikeStatus: "like"},
	}
	srv := newServer(t, &mockGenerator{}, store, time.Hour)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCount  int
	}{
		{
			name:       "Lesson with records",
			path:       "/api/learn/records/c1/l1",
			wantStatus: http.StatusOK,
			wantCount:  1,
		},
		{
			name:       "Lesson without records",
			path:       "/api/learn/records/c1/l2",
			wantStatus: http.StatusOK,
		},
		{
			name:       "Unknown lesson",
			path:       "/api/learn/records/c1/l9",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("HandleRecords() status = %v, want %v", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var res models.RecordsResponse
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if len(res.Records) != tt.wantCount {
				t.Errorf("HandleRecords() returned %d records, want %d", len(res.Records), tt.wantCount)
			}
		})
	}
}

func TestHandleOutline(t *testing.T) {
	srv := newServer(t, &mockGenerator{}, newMockStore(), time.Hour)

	resp, err := http.Get(srv.URL + "/api/learn/outline/c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("HandleOutline() status = %v, want %v", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), "Channels") {
		t.Errorf("HandleOutline() body = %s, want to contain the lesson titles", body)
	}
	if strings.Contains(string(body), "Explain channels.") {
		t.Errorf("HandleOutline() body = %s, should not expose section prompts", body)
	}
}

func (m *mockGenerator) Generate(_ context.Context, messages []models.PromptMessage) iter.Seq2[string, error] {
	m.mu.Lock()
	m.messages = append(m.messages, slices.Clone(messages))
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		if m.delay > 0 {
			time.Sleep(m.delay)
		}
		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func newMockStore() *mockStore {
	return &mockStore{records: map[string][]models.HistoryRecord{}}
}

func (m *mockStore) lesson(lessonID string) []models.HistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records["c1/"+lessonID])
}

func (m *mockStore) Records(_ context.Context, courseID, lessonID string) ([]models.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.records[courseID+"/"+lessonID]), nil
}

func (m *mockStore) AddRecord(_ context.Context, courseID, lessonID string, rec models.HistoryRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.nextID++
	rec.ID = fmt.Sprintf("r%d", m.nextID)
	key := courseID + "/" + lessonID
	m.records[key] = append(m.records[key], rec)
	return rec.ID, nil
}

func (m *mockStore) UpdateRecord(_ context.Context, courseID, lessonID string, rec models.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[courseID+"/"+lessonID]
	idx := slices.IndexFunc(recs, func(r models.HistoryRecord) bool { return r.ID == rec.ID })
	if idx == -1 {
		return fmt.Errorf("record not found")
	}
	recs[idx] = rec
	return m.err
}

func (m *mockStore) TruncateFrom(_ context.Context, courseID, lessonID, bid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := courseID + "/" + lessonID
	idx := slices.IndexFunc(m.records[key], func(r models.HistoryRecord) bool { return r.GeneratedBlockBid == bid })
	if idx == -1 {
		return false, m.err
	}
	m.records[key] = m.records[key][:idx]
	return true, m.err
}
