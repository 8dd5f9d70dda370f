// Package transport carries the reader backend RPCs over HTTP.
// pkg/readerclient and pkg/server reach the wire only through it and speak
// Go structs and *rcerrors.Error.
package transport
