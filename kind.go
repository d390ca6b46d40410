package voicecall

import (
	"errors"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
)

// ErrorKind names the class of err for events and metric labels. A nil
// error is a local hangup.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "hangup"
	case errors.Is(err, shared.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, shared.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, shared.ErrChannelWrite):
		return "channel_write"
	case errors.Is(err, shared.ErrNegotiationFailed):
		return "negotiation_failed"
	case errors.Is(err, shared.ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, shared.ErrRingTimeout):
		return "ring_timeout"
	case errors.Is(err, shared.ErrRemoteHangup):
		return "remote_hangup"
	case errors.Is(err, shared.ErrTransportClosed):
		return "transport_closed"
	case errors.Is(err, shared.ErrCallEnded):
		return "call_ended"
	}
	return "error"
}
