package domain

import (
	"fmt"
	"time"
)

// NoteTag marks a note with the classification it carries.
type NoteTag string

const (
	NoteTagStatus       NoteTag = ""
	NoteTagRetryable    NoteTag = "RETRYABLE"
	NoteTagNonRetryable NoteTag = "NON_RETRYABLE"
)

// MaxNotes bounds the diagnostic trail kept per record; older notes are dropped first.
const MaxNotes = 50

// Note is one entry of the human-readable diagnostic trail.
type Note struct {
	At   time.Time `json:"at" bson:"at"`
	Tag  NoteTag   `json:"tag,omitempty" bson:"tag,omitempty"`
	Text string    `json:"text" bson:"text"`
}

func (n Note) String() string {
	ts := n.At.UTC().Format(time.RFC3339)
	if n.Tag == NoteTagStatus {
		return fmt.Sprintf("[%s] %s", ts, n.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, n.Tag, n.Text)
}

func appendNote(notes []Note, note Note) []Note {
	start := 0
	if len(notes)+1 > MaxNotes {
		start = len(notes) + 1 - MaxNotes
	}

	out := make([]Note, 0, len(notes)-start+1)
	out = append(out, notes[start:]...)
	return append(out, note)
}
