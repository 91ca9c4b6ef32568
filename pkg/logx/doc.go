// Package logx is chatalert's structured logging: a small value-type Logger
// over zerolog, and a Service that owns the sinks (stderr as console or JSON,
// plus an optional JSON file) and swaps them on config reload without
// invalidating loggers already handed to components.
package logx
