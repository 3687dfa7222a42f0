// Package audio handles captured PCM audio: time-boxed chunking with per-session
// sequence numbers, ordered chunk buffering and concatenation, and WAV encoding
// of the complete recording for final transcription.
package audio
