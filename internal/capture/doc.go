// Package capture owns the live audio input stream of a recording session.
//
// The Engine opens a Device, assigns the session identifier, emits sequenced
// chunks on a flush cadence, publishes an advisory audio level from a
// frequency-domain tap, and assembles the complete recording when the
// session ends. Device handles are released on every exit path.
package capture
