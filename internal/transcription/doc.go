// Package transcription implements the final transcription submitter.
// The complete recording of a session is posted as multipart form data with a
// language hint; each request is bounded by a timeout and never retried.
package transcription
