package dispatch

import "errors"

var (
	// ErrBackendDispatch is returned when the backend session failed
	// mid-turn: a send that never took, an error event, or a process
	// that died. The session is killed; a retry gets a fresh one.
	ErrBackendDispatch = errors.New("backend dispatch failed")

	// ErrTimeout is returned when a turn outran the dispatch deadline.
	// The session is killed.
	ErrTimeout = errors.New("backend turn timed out")
)
