package reducer

// Effect is a side-effect request produced while folding an event. The reducer never performs effects
// itself; the conversation dispatches them to its collaborators after the block list is updated.
type Effect interface {
	isEffect()
}

// LessonTreeUpdate asks the lesson-tree navigator to reflect an outline status change.
type LessonTreeUpdate struct {
	OutlineID   string
	Status      string
	HasChildren bool
	Title       string
}

// ProfileUpdate asks the profile store to save a learner attribute.
type ProfileUpdate struct {
	Key   string
	Value string
}

// ShowPayment asks the payment-wall trigger to show itself.
type ShowPayment struct{}

// LessonChanged reports that the stream moved on to another leaf lesson.
type LessonChanged struct {
	OutlineID string
}

// EndTurn asks the owner to close the stream early because the chapter finished.
type EndTurn struct{}

// Render asks the markdown renderer to show text for a block. Streaming is false once the text is final,
// and the renderer answers with a typing-finished signal.
type Render struct {
	BlockID   string
	Text      string
	Streaming bool
}

func (LessonTreeUpdate) isEffect() {}
func (ProfileUpdate) isEffect()    {}
func (ShowPayment) isEffect()      {}
func (LessonChanged) isEffect()    {}
func (EndTurn) isEffect()          {}
func (Render) isEffect()           {}
