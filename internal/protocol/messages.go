package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientTranscript MessageType = "client_transcript"
	TypeClientControl    MessageType = "client_control"

	TypeCaptureState     MessageType = "capture_state"
	TypeCaptureFinalized MessageType = "capture_finalized"
	TypePlaybackState    MessageType = "playback_state"
	TypeRecognitionState MessageType = "recognition_state"
	TypeChatMessage      MessageType = "chat_message"
	TypeConversationTurn MessageType = "conversation_turn"
	TypeWritingState     MessageType = "writing_state"
	TypeListeningState   MessageType = "listening_state"
	TypeErrorEvent       MessageType = "error_event"
)

// Client control actions.
const (
	ActionHeartbeat    = "heartbeat"
	ActionStopCapture  = "stop_capture"
	ActionAbortListen  = "abort_listen"
	ActionCancelLoop   = "cancel_loop"
	ActionStopPlayback = "stop_playback"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientTranscript carries a recognition result produced by the browser.
// A non-empty Error reports a recognition failure instead.
type ClientTranscript struct {
	Type      MessageType `json:"type"`
	SurfaceID string      `json:"surface_id"`
	Text      string      `json:"text"`
	Error     string      `json:"error,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SurfaceID string      `json:"surface_id"`
	Action    string      `json:"action"`
	Channel   string      `json:"channel,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type CaptureState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
}

type CaptureFinalized struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	DurationSec float64     `json:"duration_sec"`
	Manual      bool        `json:"manual"`
	Pending     bool        `json:"pending"`
	Error       string      `json:"error,omitempty"`
}

type PlaybackState struct {
	Type    MessageType `json:"type"`
	Channel string      `json:"channel"`
	State   string      `json:"state"`
	Handle  string      `json:"handle,omitempty"`
}

type RecognitionState struct {
	Type      MessageType `json:"type"`
	SurfaceID string      `json:"surface_id"`
	State     string      `json:"state"`
}

// ListeningState drives the recognition indicator on the client.
type ListeningState struct {
	Type      MessageType `json:"type"`
	SurfaceID string      `json:"surface_id"`
	Listening bool        `json:"listening"`
}

type ChatMessage struct {
	Type      MessageType `json:"type"`
	SurfaceID string      `json:"surface_id"`
	Message   any         `json:"message"`
}

type ConversationTurn struct {
	Type      MessageType `json:"type"`
	SurfaceID string      `json:"surface_id"`
	Turn      any         `json:"turn"`
}

type WritingState struct {
	Type      MessageType `json:"type"`
	SurfaceID string      `json:"surface_id"`
	State     any         `json:"state"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SurfaceID string      `json:"surface_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTranscript:
		var msg ClientTranscript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SurfaceID == "" {
			return nil, errors.New("invalid client_transcript")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionHeartbeat, ActionStopCapture:
		case ActionAbortListen, ActionCancelLoop:
			if msg.SurfaceID == "" {
				return nil, errors.New("invalid client_control: surface_id required")
			}
		case ActionStopPlayback:
			if msg.Channel == "" {
				return nil, errors.New("invalid client_control: channel required")
			}
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the type of a protocol message value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientTranscript:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case CaptureState:
		return m.Type, true
	case CaptureFinalized:
		return m.Type, true
	case PlaybackState:
		return m.Type, true
	case RecognitionState:
		return m.Type, true
	case ListeningState:
		return m.Type, true
	case ChatMessage:
		return m.Type, true
	case ConversationTurn:
		return m.Type, true
	case WritingState:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
