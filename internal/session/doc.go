// Package session implements the voice session state machine.
//
// A Manager coordinates the permission gate, the capture engine, the chunk
// streamer and the final transcription submitter behind one status:
//
//	idle -> awaiting_permission -> recording -> transcribing -> idle
//
// with error reachable from every non-idle status. All state changes run on a
// single control goroutine fed by a message inbox; callers read observables
// through a snapshot.
package session
