package adapters

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/interfaces"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

// Message types sent by the generation service
const (
	MessageTypeProgress = "progress"
	MessageTypeComplete = "complete"
	MessageTypeError    = "error"
)

// ErrMalformedMessage is returned for frames that cannot be classified
var ErrMalformedMessage = errors.New("malformed message")

type envelope struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Error string `json:"error"`
}

// ParseMessage classifies one inbound frame.
// ok is false for well-formed messages of an unknown type, which callers ignore.
// A server "error" message becomes a failed result carrying the server's text.
func ParseMessage(data []byte) (ev interfaces.Event, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ev, false, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case MessageTypeProgress:
		var p models.ProgressEvent
		if err := json.Unmarshal(data, &p); err != nil {
			return ev, false, fmt.Errorf("%w: progress: %v", ErrMalformedMessage, err)
		}
		return interfaces.Event{Kind: interfaces.EventProgress, Progress: &p}, true, nil

	case MessageTypeComplete:
		var r models.ResultEvent
		if err := json.Unmarshal(data, &r); err != nil {
			return ev, false, fmt.Errorf("%w: complete: %v", ErrMalformedMessage, err)
		}
		if r.Success {
			r.Error = ""
		}
		return interfaces.Event{Kind: interfaces.EventResult, Result: &r}, true, nil

	case MessageTypeError:
		var e errorMessage
		if err := json.Unmarshal(data, &e); err != nil {
			return ev, false, fmt.Errorf("%w: error: %v", ErrMalformedMessage, err)
		}
		return interfaces.Event{
			Kind:   interfaces.EventResult,
			Result: &models.ResultEvent{Success: false, Error: e.Error},
		}, true, nil
	}

	return ev, false, nil
}
