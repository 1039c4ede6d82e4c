package domain

import "context"

// Output is a named fan-out target (websocket room, Telegram chat, journal).
// Outputs are plain bus listeners; nothing in the subscription path calls them.
type Output interface {
	Name() string
	Forward(ctx context.Context, n Notification) error
}
