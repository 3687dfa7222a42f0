// Package permission implements the microphone permission gate. The gate
// queries and watches the platform authorization state and fails closed:
// any error while asking resolves to denied.
package permission
