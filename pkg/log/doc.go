// Package log provides structured logging for the NecroCode engine using zerolog.
//
// A single global Logger is configured once via Init; callers derive child
// loggers scoped to a spec, task, runner, pool, or slot so every log line in a
// given code path carries that identity without threading a logger through
// every function signature.
package log
