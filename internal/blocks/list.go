// Package blocks holds the ordered, id-addressed block list a lesson transcript is rendered from.
package blocks

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/shifu-stream/internal/models"
)

// ErrInvalidBlock is returned when a block would break the list invariants: a block appended behind the
// loading sentinel, a duplicate id, or an annotation whose parent is not an earlier content block.
var ErrInvalidBlock = errors.New("invalid block")

// List is an ordered collection of content blocks addressed by id. At most one loading sentinel exists
// and it is always the tail. List is not safe for concurrent use; its owner serializes access.
type List struct {
	blocks []models.ContentBlock

	logger *slog.Logger
}

// NewList creates an empty List.
func NewList(logger *slog.Logger) *List {
	return &List{
		logger: logger.With(slog.String("module", "blocks")),
	}
}

// Append adds block to the tail.
func (l *List) Append(block models.ContentBlock) error {
	if l.HasSentinel() {
		return fmt.Errorf("%w: tail is occupied by the loading sentinel", ErrInvalidBlock)
	}
	if err := l.validate(block, len(l.blocks)); err != nil {
		return err
	}
	l.blocks = append(l.blocks, block)
	return nil
}

// ReplaceByID applies update to the block with the given id in place. The id and position are preserved.
// It reports false, and changes nothing, when no block has the id.
func (l *List) ReplaceByID(id string, update func(*models.ContentBlock)) bool {
	idx := l.Index(id)
	if idx < 0 {
		return false
	}
	b := l.blocks[idx].Clone()
	update(&b)
	b.ID = id
	l.blocks[idx] = b
	return true
}

// TruncateAfter removes every block after the one with the given id, and that block too when inclusive
// is true. An unknown id leaves the list untouched and reports false.
func (l *List) TruncateAfter(id string, inclusive bool) bool {
	idx := l.Index(id)
	if idx < 0 {
		l.logger.Debug("Truncate target not found", slog.String("blockID", id))
		return false
	}
	if !inclusive {
		idx++
	}
	clear(l.blocks[idx:])
	l.blocks = l.blocks[:idx]
	return true
}

// ReplaceSentinelWith swaps the tail sentinel for block. Without a sentinel the block is appended.
func (l *List) ReplaceSentinelWith(block models.ContentBlock) error {
	if !l.HasSentinel() {
		return l.Append(block)
	}
	if block.IsSentinel() {
		return nil
	}
	last := len(l.blocks) - 1
	if err := l.validate(block, last); err != nil {
		return err
	}
	l.blocks[last] = block
	return nil
}

// FindLastContentNotFinalized returns the most recent content block that is not readonly. The sentinel is
// not a candidate.
func (l *List) FindLastContentNotFinalized() (models.ContentBlock, bool) {
	for i := len(l.blocks) - 1; i >= 0; i-- {
		b := l.blocks[i]
		if b.Kind == models.BlockKindContent && !b.IsSentinel() && !b.Readonly {
			return b.Clone(), true
		}
	}
	return models.ContentBlock{}, false
}

// Find returns a copy of the block with the given id.
func (l *List) Find(id string) (models.ContentBlock, bool) {
	idx := l.Index(id)
	if idx < 0 {
		return models.ContentBlock{}, false
	}
	return l.blocks[idx].Clone(), true
}

// Index returns the position of the block with the given id, or -1. The sentinel id addresses the tail
// sentinel when there is one.
func (l *List) Index(id string) int {
	if id == models.SentinelID {
		if l.HasSentinel() {
			return len(l.blocks) - 1
		}
		return -1
	}
	for i, b := range l.blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// Len returns the number of blocks, sentinel included.
func (l *List) Len() int {
	return len(l.blocks)
}

// Snapshot returns a deep copy of the blocks.
func (l *List) Snapshot() []models.ContentBlock {
	out := make([]models.ContentBlock, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = b.Clone()
	}
	return out
}

// HasSentinel reports whether the tail is the loading sentinel.
func (l *List) HasSentinel() bool {
	return len(l.blocks) > 0 && l.blocks[len(l.blocks)-1].IsSentinel()
}

// PushSentinel appends the loading sentinel unless one is already at the tail.
func (l *List) PushSentinel() {
	if l.HasSentinel() {
		return
	}
	l.blocks = append(l.blocks, models.NewSentinel())
}

// RemoveSentinel drops the tail sentinel and reports whether there was one.
func (l *List) RemoveSentinel() bool {
	if !l.HasSentinel() {
		return false
	}
	l.blocks = l.blocks[:len(l.blocks)-1]
	return true
}

// LastAskThreadFor returns the id of the ask thread attached to parentID.
func (l *List) LastAskThreadFor(parentID string) (string, bool) {
	for i := len(l.blocks) - 1; i >= 0; i-- {
		b := l.blocks[i]
		if b.Kind == models.BlockKindAskThread && b.ParentID == parentID {
			return b.ID, true
		}
	}
	return "", false
}

// LikeStatusFor returns the id of the like status block attached to parentID.
func (l *List) LikeStatusFor(parentID string) (string, bool) {
	for _, b := range l.blocks {
		if b.Kind == models.BlockKindLikeStatus && b.ParentID == parentID {
			return b.ID, true
		}
	}
	return "", false
}

// Reset replaces the content of the list with blocks, validating them in order. On error the list is
// left empty.
func (l *List) Reset(blocks []models.ContentBlock) error {
	l.blocks = nil
	for _, b := range blocks {
		if err := l.Append(b); err != nil {
			l.blocks = nil
			return err
		}
	}
	return nil
}

// validate checks block against the blocks before position end.
func (l *List) validate(block models.ContentBlock, end int) error {
	if block.IsSentinel() {
		return nil
	}
	for _, b := range l.blocks[:end] {
		if b.ID == block.ID {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidBlock, block.ID)
		}
	}
	if block.Kind != models.BlockKindLikeStatus && block.Kind != models.BlockKindAskThread {
		return nil
	}
	for _, b := range l.blocks[:end] {
		if b.ID == block.ParentID && b.Kind == models.BlockKindContent {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s references unknown content block %q",
		ErrInvalidBlock, block.Kind, block.ID, block.ParentID)
}
