package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/shifu-stream/internal/models"
)

// HandleRecords returns the persisted records of a lesson in chronological order.
func (m Main) HandleRecords(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("shifu")
	lessonID := r.PathValue("outline")

	if courseID != m.course.ID {
		http.Error(w, "Course not found", http.StatusNotFound)
		return
	}
	if _, _, _, ok := m.course.Lesson(lessonID); !ok {
		http.Error(w, "Lesson not found", http.StatusNotFound)
		return
	}

	records, err := m.store.Records(r.Context(), courseID, lessonID)
	if err != nil {
		m.logger.Error("Failed to get records",
			slog.String("lessonID", lessonID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.HistoryRecord{}
	}

	m.writeJSON(w, models.RecordsResponse{Records: records})
}

// HandleOutline returns the course outline without lesson sections.
func (m Main) HandleOutline(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("shifu") != m.course.ID {
		http.Error(w, "Course not found", http.StatusNotFound)
		return
	}
	m.writeJSON(w, m.course)
}

func (m Main) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
