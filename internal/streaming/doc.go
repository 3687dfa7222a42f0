// Package streaming implements the chunk streamer for incremental transcription.
// Chunks are pushed over a persistent bidirectional event channel without
// blocking the capture cadence, and inbound transcription events are filtered
// by the bound session identifier before they reach the session manager.
package streaming
