package shared

import "errors"

// Call setup failures. All of them are terminal for the current call attempt.
var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio capture device unavailable")
	ErrChannelWrite      = errors.New("signaling channel write failed")
	ErrNegotiationFailed = errors.New("session negotiation failed")
	ErrInvalidParameters = errors.New("invalid call parameters")
)

// Call lifecycle.
var (
	ErrRingTimeout           = errors.New("remote party did not answer")
	ErrRemoteHangup          = errors.New("remote party hung up")
	ErrTransportClosed       = errors.New("transport closed")
	ErrCallEnded             = errors.New("call already ended")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionNotStarted     = errors.New("session not started")
)

// Signaling.
var (
	ErrAlreadyPublished  = errors.New("description already published")
	ErrWrongSide         = errors.New("record not allowed for this side")
	ErrAlreadySubscribed = errors.New("channel already subscribed")
	ErrBackendClosed     = errors.New("signaling backend closed")
)

// Wiring.
var (
	ErrNoLogger            = errors.New("no logger provided")
	ErrNoConfig            = errors.New("no config provided")
	ErrInvalidConfig       = errors.New("invalid config")
	ErrNoMedia             = errors.New("no media manager provided")
	ErrNoSignaling         = errors.New("no signaling backend provided")
	ErrTRHandlerAlreadySet = errors.New("track remote handler already set")
	ErrEHandlerAlreadySet  = errors.New("event handler already set")
)
