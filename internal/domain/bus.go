package domain

// ListenerID identifies one registration on a Notifier. The same handler
// registered twice yields two distinct IDs.
type ListenerID uint64

// Listener receives the positional arguments passed to Signal.
type Listener func(args ...any)

// Notifier is the in-process notification bus shared by producers,
// subscriptions, and output channels.
type Notifier interface {
	Signal(event string, args ...any)
	On(event string, fn Listener) ListenerID
	Off(event string, id ListenerID)
	ListenerCount(event string) int
}
