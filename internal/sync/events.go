package sync

import "github.com/potato-launcher/instancesync/internal/download"

// EventKind classifies progress events
type EventKind string

// Instance-level kinds. They never collide with download.ProgressKind values,
// which are forwarded unchanged for per-file progress.
const (
	EventPlanning    EventKind = "planning"
	EventPlanned     EventKind = "planned"
	EventExtracted   EventKind = "extracted"
	EventDone        EventKind = "done"
	EventInterrupted EventKind = "instance_interrupted"
	EventFailed      EventKind = "instance_failed"
)

// Event is a progress notification for one instance
type Event struct {
	SessionID        string
	Instance         string
	Kind             EventKind
	Path             string
	FilesCompleted   int
	FilesTotal       int
	BytesTransferred int64
	BytesTotal       int64
	Concurrency      int
	Err              error
}

// Sink receives events. Events of one instance arrive from a single
// goroutine; different instances may report concurrently.
type Sink interface {
	Event(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

// Event calls f
func (f SinkFunc) Event(ev Event) { f(ev) }

type emitter struct {
	sink      Sink
	sessionID string
	instance  string
}

func newEmitter(sink Sink, sessionID, instance string) *emitter {
	return &emitter{sink: sink, sessionID: sessionID, instance: instance}
}

func (e *emitter) send(ev Event) {
	if e.sink == nil {
		return
	}
	ev.SessionID = e.sessionID
	ev.Instance = e.instance
	e.sink.Event(ev)
}

func (e *emitter) progress(p download.Progress) {
	e.send(Event{
		Kind:             EventKind(p.Kind),
		Path:             p.Path,
		FilesCompleted:   p.FilesCompleted,
		FilesTotal:       p.FilesTotal,
		BytesTransferred: p.BytesTransferred,
		BytesTotal:       p.BytesTotal,
		Concurrency:      p.Concurrency,
		Err:              p.Err,
	})
}
