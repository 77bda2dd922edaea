// Package capture implements audio sources that deliver signed 8-bit mono
// samples (silence at 0) to a sink on their own goroutine: a PortAudio input device and a UDP
// listener for remote microphones.
package capture
