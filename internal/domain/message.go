package domain

import "time"

// Notification is a signal as seen by an output channel.
type Notification struct {
	Event     string
	Channel   string
	Args      []any
	Timestamp time.Time
}
