// Package voicecall negotiates and runs one-to-one voice calls between two
// users of a conversation.
//
// A Controller drives one call attempt. It acquires the microphone through
// a media.Manager, opens a Transport (a pion PeerConnection in production),
// and exchanges the offer, answer and ICE candidates with the remote side
// over a signaling.Backend. Progress is reported as Events:
//
//	connecting -> ringing -> connected -> ended
//
// ended is reachable from every state and is final. End tears the call down
// exactly once, whoever calls it first: the user hanging up, the transport
// dropping, the remote side hanging up or the UI going away.
package voicecall
