// Package livequery serves bus subscriptions to remote clients: a websocket
// protocol with subscribe/next/complete frames, a server-sent events stream,
// and a small JSON API for raising signals.
package livequery

import (
	"encoding/json"
	"regexp"
)

// Frame types.
const (
	TypeSubscribe = "subscribe" // client → server
	TypeNext      = "next"      // server → client
	TypeComplete  = "complete"  // both directions
	TypeError     = "error"     // server → client
	TypePing      = "ping"      // client → server
	TypePong      = "pong"      // server → client
)

// eventNamePattern bounds the event names accepted from remote clients.
// Control characters never pass, so a name is safe in an SSE event line.
var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidEventName reports whether name may be signalled or subscribed to over
// the network.
func ValidEventName(name string) bool {
	return eventNamePattern.MatchString(name)
}

// Message is one JSON frame on a live-query connection.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Initial bool            `json:"initial,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Message string          `json:"message,omitempty"`
}

// DecodeArgs unmarshals the args of a next frame.
func (m Message) DecodeArgs() ([]any, error) {
	if len(m.Args) == 0 {
		return []any{}, nil
	}
	var args []any
	if err := json.Unmarshal(m.Args, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	return args, nil
}

func encodeArgs(args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(args)
}
