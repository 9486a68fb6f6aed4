// Package logx configures scrapebot's structured logging.
//
// A thin wrapper (logx.Logger) sits on top of zerolog so that console output
// stays readable, the file sink stays JSON, and warnings can be forwarded to
// the operator log chat without blocking the caller.
package logx
