package models

import "slices"

// ContentBlock represents a single unit of the visible lesson transcript. Blocks are addressed by their
// generated block id; the only block allowed to carry an empty id is the loading sentinel that sits at the
// tail of the transcript while the assistant has not produced its first token.
type ContentBlock struct {
	ID   string
	Kind BlockKind

	// Text would be filled if Kind is BlockKindContent, BlockKindInteraction or BlockKindError.
	Text string

	// IsHistory marks blocks loaded from persisted records, which are shown without the typing animation.
	IsHistory bool
	// Readonly marks blocks that are finalized and no longer accept input tied to them.
	Readonly bool

	// ParentID would be filled if Kind is BlockKindLikeStatus or BlockKindAskThread. It references the
	// content block the block annotates.
	ParentID string

	// LikeStatus would be filled if Kind is BlockKindLikeStatus.
	LikeStatus LikeStatus

	// AskEntries and Expanded would be filled if Kind is BlockKindAskThread.
	AskEntries []AskEntry
	Expanded   bool

	// UserInput holds the value the learner submitted for an interaction block.
	UserInput string
	// LessonID is the outline the block was produced for.
	LessonID string
}

// BlockKind represents the type of a content block.
type BlockKind string

// LikeStatus represents the learner's rating of a content block.
type LikeStatus string

// AskRole represents the author of an entry in an ask thread.
type AskRole string

// AskEntry is one question or answer inside an ask thread.
type AskEntry struct {
	Role AskRole
	Text string
}

const (
	// BlockKindContent represents lesson text produced by the assistant.
	BlockKindContent BlockKind = "content"
	// BlockKindInteraction represents an interaction prompt (buttons or input) the learner answers.
	BlockKindInteraction BlockKind = "interaction"
	// BlockKindLikeStatus represents a like/dislike marker attached to a content block.
	BlockKindLikeStatus BlockKind = "like_status"
	// BlockKindAskThread represents a side-channel question thread attached to a content block.
	BlockKindAskThread BlockKind = "ask_thread"
	// BlockKindError represents an error message persisted by the server.
	BlockKindError BlockKind = "error"

	LikeStatusNone     LikeStatus = ""
	LikeStatusLiked    LikeStatus = "like"
	LikeStatusDisliked LikeStatus = "dislike"

	AskRoleAsk    AskRole = "ask"
	AskRoleAnswer AskRole = "answer"

	// SentinelID is the id carried by the loading placeholder block.
	SentinelID = ""
)

// NewSentinel returns a loading placeholder block.
func NewSentinel() ContentBlock {
	return ContentBlock{
		ID:   SentinelID,
		Kind: BlockKindContent,
	}
}

// IsSentinel reports whether the block is the loading placeholder.
func (b ContentBlock) IsSentinel() bool {
	return b.ID == SentinelID
}

// Clone returns a deep copy of the block, so snapshots handed to observers never alias the live model.
func (b ContentBlock) Clone() ContentBlock {
	b.AskEntries = slices.Clone(b.AskEntries)
	return b
}

// ParseLikeStatus converts a persisted like status into a LikeStatus. Unknown values map to LikeStatusNone.
func ParseLikeStatus(s string) LikeStatus {
	switch LikeStatus(s) {
	case LikeStatusLiked:
		return LikeStatusLiked
	case LikeStatusDisliked:
		return LikeStatusDisliked
	default:
		return LikeStatusNone
	}
}
