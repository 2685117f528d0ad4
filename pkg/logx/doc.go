// Package logx is jobsched's structured logging layer over zerolog.
//
// Loggers are plain values. Components derive their own with With and keep
// them for their lifetime; a Service swaps levels and sinks underneath
// without invalidating those copies. Console output is text with a short
// caller, production and file output are JSON lines.
package logx
