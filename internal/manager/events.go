package manager

// Event represents a manager lifecycle event.
// Minimal and stable: name + context id and optional fields via key/values.
type Event struct {
	Name      string
	ContextID int
	Fields    map[string]any
}

// Lifecycle event names.
const (
	EventInitStart       = "init_start"
	EventInitReady       = "init_ready"
	EventInitError       = "init_error"
	EventCompletionStart = "completion_start"
	EventCompletionDone  = "completion_done"
	EventRelease         = "release"
	EventReleaseAll      = "release_all"
)

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
