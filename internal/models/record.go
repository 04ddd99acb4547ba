package models

// HistoryRecord is one persisted transcript entry, delivered by the server in chronological order.
type HistoryRecord struct {
	ID                string     `json:"id"`
	BlockType         RecordType `json:"block_type"`
	GeneratedBlockBid string     `json:"generated_block_bid"`
	Content           string     `json:"content"`
	UserInput         string     `json:"user_input,omitempty"`
	LikeStatus        string     `json:"like_status,omitempty"`
	LessonID          string     `json:"lesson_id,omitempty"`
}

// RecordsResponse is the body of the lesson records endpoint.
type RecordsResponse struct {
	Records []HistoryRecord `json:"records"`
}

// RecordType represents the block_type of a persisted record.
type RecordType string

const (
	RecordTypeContent     RecordType = "content"
	RecordTypeInteraction RecordType = "interaction"
	RecordTypeAsk         RecordType = "ask"
	RecordTypeAnswer      RecordType = "answer"
	RecordTypeError       RecordType = "error"
)

// InputKind represents the input_type of a stream open request.
type InputKind string

const (
	InputKindNormal InputKind = "NORMAL"
	InputKindAsk    InputKind = "ASK"
)

// StreamRequest is the body sent to the server to open a lesson stream.
type StreamRequest struct {
	ShifuBid                string    `json:"shifu_bid"`
	OutlineBid              string    `json:"outline_bid"`
	PreviewMode             bool      `json:"preview_mode"`
	Input                   any       `json:"input"`
	InputType               InputKind `json:"input_type"`
	ReloadGeneratedBlockBid string    `json:"reload_generated_block_bid,omitempty"`
}

// AskInput is the object form of Input used for ask requests. It names the content block the question
// is about.
type AskInput struct {
	Question          string `json:"question"`
	GeneratedBlockBid string `json:"generated_block_bid"`
}
