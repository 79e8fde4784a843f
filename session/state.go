package session

import (
	"fmt"
)

type State uint

const (
	StateUninitialized = State(iota)
	StateConfiguring
	StateActive
	StateFlushing
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateActive:
		return "active"
	case StateFlushing:
		return "flushing"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("unexpected_state_%d", uint(s))
}
