// Package history turns persisted lesson records into the block shapes the live stream produces, so
// history and live output share one rendering contract.
package history

import (
	"log/slog"

	"github.com/MegaGrindStone/shifu-stream/internal/blocks"
	"github.com/MegaGrindStone/shifu-stream/internal/models"
)

// Loader rehydrates block lists from history records.
type Loader struct {
	logger *slog.Logger
}

const errLoggerKey = "err"

// NewLoader creates a Loader.
func NewLoader(logger *slog.Logger) Loader {
	return Loader{
		logger: logger.With(slog.String("module", "history")),
	}
}

// Load maps records, in server order, to blocks. Every block is marked as history and readonly, except
// for a trailing content record or an unanswered trailing interaction, which are left open. Consecutive
// ask and answer records are grouped into a single ask thread attached to the latest content block.
//
// resume reports that the last record is a content or error record, in which case the caller should
// start a live stream with empty input so the server can continue the turn.
func (l Loader) Load(records []models.HistoryRecord) (out []models.ContentBlock, resume bool) {
	list := blocks.NewList(l.logger)

	var (
		lastContentID string
		threadID      string
	)

	for i, rec := range records {
		last := i == len(records)-1

		id := rec.GeneratedBlockBid
		if id == "" {
			id = rec.ID
		}
		if id == "" {
			l.logger.Debug("Skipping record without id", slog.Int("index", i))
			continue
		}

		switch rec.BlockType {
		case models.RecordTypeAsk, models.RecordTypeAnswer:
			role := models.AskRoleAsk
			if rec.BlockType == models.RecordTypeAnswer {
				role = models.AskRoleAnswer
			}
			entry := models.AskEntry{Role: role, Text: rec.Content}

			if threadID != "" {
				list.ReplaceByID(threadID, func(b *models.ContentBlock) {
					b.AskEntries = append(b.AskEntries, entry)
				})
				continue
			}
			if lastContentID == "" {
				l.logger.Debug("Skipping ask record without a content block", slog.String("recordID", rec.ID))
				continue
			}
			// A later question about the same block continues its thread.
			if existing, ok := list.LastAskThreadFor(lastContentID); ok {
				list.ReplaceByID(existing, func(b *models.ContentBlock) {
					b.AskEntries = append(b.AskEntries, entry)
				})
				threadID = existing
				continue
			}
			thread := models.ContentBlock{
				ID:         "ask-" + id,
				Kind:       models.BlockKindAskThread,
				ParentID:   lastContentID,
				AskEntries: []models.AskEntry{entry},
				IsHistory:  true,
				Readonly:   true,
				LessonID:   rec.LessonID,
			}
			if l.add(list, thread) {
				threadID = thread.ID
			}
			continue
		}
		threadID = ""

		switch rec.BlockType {
		case models.RecordTypeContent:
			if !l.add(list, models.ContentBlock{
				ID:        id,
				Kind:      models.BlockKindContent,
				Text:      rec.Content,
				IsHistory: true,
				Readonly:  !last,
				LessonID:  rec.LessonID,
			}) {
				continue
			}
			lastContentID = id
			if status := models.ParseLikeStatus(rec.LikeStatus); status != models.LikeStatusNone {
				l.add(list, models.ContentBlock{
					ID:         "like-" + id,
					Kind:       models.BlockKindLikeStatus,
					ParentID:   id,
					LikeStatus: status,
					IsHistory:  true,
					Readonly:   true,
					LessonID:   rec.LessonID,
				})
			}
		case models.RecordTypeInteraction:
			l.add(list, models.ContentBlock{
				ID:        id,
				Kind:      models.BlockKindInteraction,
				Text:      rec.Content,
				UserInput: rec.UserInput,
				IsHistory: true,
				Readonly:  !last || rec.UserInput != "",
				LessonID:  rec.LessonID,
			})
		case models.RecordTypeError:
			l.add(list, models.ContentBlock{
				ID:        id,
				Kind:      models.BlockKindError,
				Text:      rec.Content,
				IsHistory: true,
				Readonly:  true,
				LessonID:  rec.LessonID,
			})
		default:
			l.logger.Debug("Skipping record of unknown type",
				slog.String("recordID", rec.ID),
				slog.String("type", string(rec.BlockType)))
		}
	}

	if n := len(records); n > 0 {
		switch records[n-1].BlockType {
		case models.RecordTypeContent, models.RecordTypeError:
			resume = true
		}
	}
	return list.Snapshot(), resume
}

func (l Loader) add(list *blocks.List, b models.ContentBlock) bool {
	if err := list.Append(b); err != nil {
		l.logger.Debug("Skipping invalid record",
			slog.String("blockID", b.ID),
			slog.String(errLoggerKey, err.Error()))
		return false
	}
	return true
}
