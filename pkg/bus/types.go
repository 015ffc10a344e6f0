package bus

type EventKind int

const (
	EventText EventKind = iota
	EventCallback
	EventPhoto
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventCallback:
		return "callback"
	case EventPhoto:
		return "photo"
	}
	return "unknown"
}

// Event is one inbound chat event, already stripped of transport types.
type Event struct {
	Kind        EventKind `json:"kind"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	FirstName   string    `json:"first_name,omitempty"`
	ChatID      int64     `json:"chat_id"`
	MessageID   int       `json:"message_id"`
	Text        string    `json:"text,omitempty"`
	CallbackID  string    `json:"callback_id,omitempty"`
	Data        string    `json:"data,omitempty"`          // callback payload
	PhotoFileID string    `json:"photo_file_id,omitempty"` // largest photo size
}

// Choice is one inline button.
type Choice struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

type EditOutcome int

const (
	EditApplied EditOutcome = iota
	// EditUnchanged means the new content was identical to the current one.
	EditUnchanged
)

// Upload describes one file to deliver to a chat.
type Upload struct {
	Path          string `json:"path"`
	FileName      string `json:"file_name"`
	Caption       string `json:"caption,omitempty"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	AsVideo       bool   `json:"as_video,omitempty"`
	Label         string `json:"label,omitempty"` // progress label, e.g. "Part 1/3"
}
