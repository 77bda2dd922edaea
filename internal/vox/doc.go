// Package vox implements the voice-operated switch: a per-sample silence
// classifier driven by a decibel threshold and the Idle/Recording state
// machine that scans the activity buffer once per tick.
package vox
