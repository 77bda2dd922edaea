// Package protocol implements the framed datagram format accepted by the UDP
// capture source: an 8-byte header followed by a sequence number and raw
// signed 8-bit samples, plus an end-of-stream frame a remote microphone sends when
// it goes away.
package protocol
