package services

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
	"net/url"
	"strings"

	"github.com/MegaGrindStone/shifu-stream/internal/models"
	"github.com/tmaxmax/go-sse"
)

// SSETransport opens lesson streams against a lesson server over HTTP and decodes the pushed envelopes.
type SSETransport struct {
	baseURL string
	token   string

	client *http.Client

	logger *slog.Logger
}

// ErrUnexpectedStatus is returned when the lesson server answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("unexpected status")

const errLoggerKey = "err"

// NewSSETransport creates a new SSETransport for the server at baseURL. The token, when not empty, is sent
// as a bearer token with every request.
func NewSSETransport(baseURL, token string, logger *slog.Logger) SSETransport {
	return SSETransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "transport")),
	}
}

// Open posts req to the lesson run endpoint and returns the decoded events of the response stream. Unknown
// envelope types are skipped. A malformed envelope ends the stream with an error. Cancelling ctx closes the
// connection and ends the sequence without an error.
func (t SSETransport) Open(ctx context.Context, req models.StreamRequest) (iter.Seq2[models.Event, error], error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	u := fmt.Sprintf("%s/api/learn/run/%s/%s", t.baseURL, url.PathEscape(req.ShifuBid), url.PathEscape(req.OutlineBid))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return func(yield func(models.Event, error) bool) {
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(nil, fmt.Errorf("error reading response: %w", err))
				return
			}

			e, ok, err := models.DecodeEnvelope([]byte(ev.Data))
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				t.logger.Debug("Skipping unknown envelope", slog.String("data", ev.Data))
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}, nil
}
