package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// archiveHeader opens every archive document.
var archiveHeader = []byte(`{"events":[`)

// Archive is a decoded session archive.
type Archive struct {
	// Events is the archived log in dispatch order, markers included.
	Events []Event

	// Channels is the set of server channels still open when the trailer
	// was written. Nil when the archive is incomplete.
	Channels []ChannelID

	// Complete reports whether the trailer was present.
	Complete bool
}

// ArchiveWriter produces the incremental byte form of an archive. The zero
// value starts a new document.
type ArchiveWriter struct {
	started bool
	written int
}

// Started reports whether the header has been produced.
func (w *ArchiveWriter) Started() bool {
	return w.started
}

// Resume marks the writer as continuing a document that already holds n
// events.
func (w *ArchiveWriter) Resume(n int) {
	w.started = true
	w.written = n
}

// Append returns the bytes that append events to the document, including
// the header on first use.
func (w *ArchiveWriter) Append(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	if !w.started {
		buf.Write(archiveHeader)
		w.started = true
	}
	for _, ev := range events {
		b, err := ev.MarshalJSON()
		if err != nil {
			return nil, err
		}
		if w.written > 0 {
			buf.WriteByte(',')
		}
		buf.Write(b)
		w.written++
	}
	return buf.Bytes(), nil
}

// Trailer returns the bytes that complete the document.
func (w *ArchiveWriter) Trailer(channels []ChannelID) ([]byte, error) {
	var buf bytes.Buffer
	if !w.started {
		buf.Write(archiveHeader)
		w.started = true
	}
	if channels == nil {
		channels = []ChannelID{}
	}
	list, err := json.Marshal(channels)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`],"channels":`)
	buf.Write(list)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type archiveJSON struct {
	Events   []Event      `json:"events"`
	Channels *[]ChannelID `json:"channels"`
}

// EncodeArchive produces a complete archive document in one piece.
func EncodeArchive(a *Archive) ([]byte, error) {
	var w ArchiveWriter
	head, err := w.Append(a.Events)
	if err != nil {
		return nil, err
	}
	tail, err := w.Trailer(a.Channels)
	if err != nil {
		return nil, err
	}
	return append(head, tail...), nil
}

// ParseArchive decodes an archive document, recovering truncated input by
// keeping every complete event.
func ParseArchive(data []byte) (*Archive, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return &Archive{Events: []Event{}}, nil
	}

	var aj archiveJSON
	if err := json.Unmarshal(data, &aj); err == nil {
		a := &Archive{Events: aj.Events}
		if a.Events == nil {
			a.Events = []Event{}
		}
		if aj.Channels != nil {
			a.Channels = *aj.Channels
			if a.Channels == nil {
				a.Channels = []ChannelID{}
			}
			a.Complete = true
		}
		return a, nil
	}

	return recoverArchive(data)
}

// recoverArchive reads events one at a time until the input runs out.
func recoverArchive(data []byte) (*Archive, error) {
	if !bytes.HasPrefix(data, archiveHeader) {
		return nil, fmt.Errorf("%w: missing header", ErrInvalidArchive)
	}

	dec := json.NewDecoder(bytes.NewReader(data[len(archiveHeader)-1:]))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	a := &Archive{Events: []Event{}}
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			break
		}
		a.Events = append(a.Events, ev)
	}
	return a, nil
}
