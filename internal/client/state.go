package client

import (
	"fmt"
	"time"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

var stateNames = map[State]string{
	Disconnected: "DISCONNECTED",
	Connecting:   "CONNECTING",
	Connected:    "CONNECTED",
	Reconnecting: "RECONNECTING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

// StateChange is delivered to state observers in transition order. Topics is
// the set subscribed on the connection when To is Connected.
type StateChange struct {
	ClientID string
	From     State
	To       State
	At       time.Time
	Topics   []string
	Err      error
}
