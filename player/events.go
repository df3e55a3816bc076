package player

import (
	"time"

	ctrstream "github.com/devgianlu/go-ctrstream"
)

type EventType int

const (
	EventTypeProgress EventType = iota
	EventTypeFinishedLoading
	EventTypeSetupError
	EventTypeFinishedPlaying
	EventTypeStreamError
)

func (t EventType) String() string {
	switch t {
	case EventTypeProgress:
		return "progress"
	case EventTypeFinishedLoading:
		return "finished_loading"
	case EventTypeSetupError:
		return "setup_error"
	case EventTypeFinishedPlaying:
		return "finished_playing"
	case EventTypeStreamError:
		return "stream_error"
	default:
		return "unknown"
	}
}

type FinishedLoading struct {
	Success   bool
	Url       string
	Encrypted bool
	// Bitrate is in bits per second, zero if unknown.
	Bitrate  int
	Duration time.Duration
}

// Event is delivered on Controller.Receive. Only the field matching Type is set.
type Event struct {
	Type      EventType
	SessionId string

	Progress ctrstream.Progress
	Loading  FinishedLoading
	Error    error
}
