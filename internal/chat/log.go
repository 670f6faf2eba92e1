package chat

// Log is the ordered transcript. Messages are kept in arrival order and only
// leave the log through truncation or a full reset. Log is not safe for
// concurrent use; the Machine that owns it is serialized by its caller.
type Log struct {
	items []ChatMessage
}

// NewLog creates an empty Log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a message at the end of the log.
func (l *Log) Append(msg ChatMessage) {
	l.items = append(l.items, msg)
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.items)
}

// At returns a copy of the message at index i.
func (l *Log) At(i int) ChatMessage {
	return l.items[i].Clone()
}

// Index returns the position of the message with the given id, or -1.
func (l *Log) Index(id string) int {
	if id == "" {
		return -1
	}
	for i := len(l.items) - 1; i >= 0; i-- {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

// IndexPending returns the position of the client-originated message that is
// still waiting for the echo carrying clientMessageID, or -1.
func (l *Log) IndexPending(clientMessageID string) int {
	if clientMessageID == "" {
		return -1
	}
	for i := len(l.items) - 1; i >= 0; i-- {
		m := l.items[i]
		if m.IsClientOriginated && m.ClientMessageID == clientMessageID {
			return i
		}
	}
	return -1
}

// Replace overwrites the message at index i in place.
func (l *Log) Replace(i int, msg ChatMessage) {
	l.items[i] = msg
}

// TruncateAt drops the message at index i and everything after it.
func (l *Log) TruncateAt(i int) {
	if i < 0 || i >= len(l.items) {
		return
	}
	for j := i; j < len(l.items); j++ {
		l.items[j] = ChatMessage{}
	}
	l.items = l.items[:i]
}

// Messages returns a deep copy of the log in chronological order. It never
// returns nil.
func (l *Log) Messages() []ChatMessage {
	out := make([]ChatMessage, len(l.items))
	for i, m := range l.items {
		out[i] = m.Clone()
	}
	return out
}

// Reset empties the log.
func (l *Log) Reset() {
	l.items = nil
}
