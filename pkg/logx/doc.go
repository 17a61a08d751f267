// Package logx is apparition's structured logging on top of zerolog.
//
// Loggers are values; the ones handed out by a Service follow runtime config
// swaps. Output goes to the console and a JSON file, with an optional
// rate-limited chat sink.
package logx
