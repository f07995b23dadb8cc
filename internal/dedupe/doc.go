// Package dedupe remembers keys until they expire so a caller can accept
// each one at most once. The server uses it to make Google ID tokens single
// use when google.single_use_tokens is set.
package dedupe
