package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/shifu-stream/internal/models"
)

// HistoryClient fetches persisted lesson records from the lesson server.
type HistoryClient struct {
	baseURL string
	token   string

	client *http.Client

	logger *slog.Logger
}

// NewHistoryClient creates a new HistoryClient for the server at baseURL.
func NewHistoryClient(baseURL, token string, logger *slog.Logger) HistoryClient {
	return HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "history-client")),
	}
}

// Records returns the records of a lesson in chronological order.
func (h HistoryClient) Records(ctx context.Context, courseID, lessonID string) ([]models.HistoryRecord, error) {
	u := fmt.Sprintf("%s/api/learn/records/%s/%s", h.baseURL, url.PathEscape(courseID), url.PathEscape(lessonID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var res models.RecordsResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	h.logger.Debug("Fetched records",
		slog.String("lessonID", lessonID),
		slog.Int("count", len(res.Records)))
	return res.Records, nil
}
