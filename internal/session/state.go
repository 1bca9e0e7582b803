package session

import (
	"errors"
	"fmt"
)

// State is a device session's lifecycle position.
type State string

// Session states.
const (
	// StateConnected: channel accepted, ready frame not yet acknowledged by
	// the usual hello exchange.
	StateConnected State = "connected"

	// StateIdle: attached and waiting for device intent.
	StateIdle State = "idle"

	// StateRecording: audio chunks are being ingested.
	StateRecording State = "recording"

	// StateProcessing: the STT → LLM → TTS pipeline is running.
	StateProcessing State = "processing"

	// StatePlaying: synthesized audio is streaming to the device.
	StatePlaying State = "playing"

	// StateCameraUploading: an image upload is in flight for this session.
	StateCameraUploading State = "camera_uploading"

	// StateStalled: recording stopped arriving; recoverable by the device
	// starting over.
	StateStalled State = "stalled"

	// StateClosed: terminal.
	StateClosed State = "closed"
)

// ErrInvalidTransition is wrapped by Transition for moves outside the table.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// transitions is the allowed-move table. Closed is reachable from everywhere
// and is terminal.
var transitions = map[State][]State{
	StateConnected:       {StateIdle},
	StateIdle:            {StateRecording, StateCameraUploading, StateProcessing},
	StateRecording:       {StateProcessing, StateIdle, StateStalled},
	StateProcessing:      {StatePlaying, StateIdle},
	StatePlaying:         {StateIdle},
	StateCameraUploading: {StateIdle},
	StateStalled:         {StateIdle, StateRecording},
	StateClosed:          {},
}

// canTransition reports whether from → to is in the table.
func canTransition(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitionError builds the error reported for an illegal move.
func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}
