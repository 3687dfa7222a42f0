// Package vad provides energy-based Voice Activity Detection. Captured chunks
// are annotated with the mean speech probability of their windows.
package vad
