// Package logx configures apexbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable, file output JSON-structured, and optionally forwards warnings
// to an ops chat through a rate-limited sink.
package logx
