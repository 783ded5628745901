// Package logx wraps zerolog with a small, reload-friendly logging API.
//
// Loggers derived from a Service pick up level/output changes applied at
// runtime (config reload) without being recreated.
package logx
