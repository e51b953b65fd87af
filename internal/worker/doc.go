// Package worker runs streaming downloads off the request path. A Load call
// owns one goroutine that reads the response body chunk by chunk, reports
// Progress after every chunk and finishes with exactly one Complete or Error
// before closing its channel. Completed payloads are parked in a Blobs
// registry and addressed by an opaque "blob:<uuid>" handle until revoked.
package worker
