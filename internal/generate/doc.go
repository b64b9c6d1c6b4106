// Package generate talks to the image generation backend over HTTP.
//
// The client posts a request prompt and expects a JSON body carrying the
// resulting image URL. Transient failures (timeouts, 5xx, 429) are retried
// with exponential backoff; a response without a URL is reported as an
// ErrNoResult so callers can treat it as a generation failure rather than a
// transport error.
package generate
