package event

const (
	TitleStarted = "title.started"
	TitleDelta   = "title.delta"
	TitleFinal   = "title.final"
)

// TitleStartedEvent is emitted when title generation begins for a chat.
type TitleStartedEvent struct {
	UserID string `json:"-"`
	ChatID string `json:"chat_id"`
}

func (e TitleStartedEvent) EventName() string { return TitleStarted }
func (e TitleStartedEvent) Scope() string     { return e.UserID }

// TitleDeltaEvent carries the title accumulated so far.
type TitleDeltaEvent struct {
	UserID string `json:"-"`
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
}

func (e TitleDeltaEvent) EventName() string { return TitleDelta }
func (e TitleDeltaEvent) Scope() string     { return e.UserID }

// TitleFinalEvent carries the label that ended up stored for the chat.
type TitleFinalEvent struct {
	UserID string `json:"-"`
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
}

func (e TitleFinalEvent) EventName() string { return TitleFinal }
func (e TitleFinalEvent) Scope() string     { return e.UserID }
