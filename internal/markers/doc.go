// Package markers extracts illustration markers from source text.
//
// The extractor compiles a configurable regexp pattern set; each pattern
// needs one capture group holding the marker content. The built-in pattern
// recognizes [illustrate: ...] blocks. Matches are returned in document
// order with their byte offsets so position drift can be tracked upstream.
package markers
