// Package audio holds the shared activity buffer fed by the capture source and
// scanned by the vox state machine, plus the staging container writers
// (WAV, raw PCM, gzip-compressed WAV) used before a session is uploaded.
package audio
