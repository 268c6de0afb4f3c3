/*
Package log provides structured logging for Bosun using zerolog.

The package wraps zerolog behind a small global logger with configurable
level and output format (JSON for production, console for development).
Components obtain child loggers via WithComponent; per-job log lines
carry the job id via WithJobID so a single job's lifecycle can be
filtered out of an agent's output.
*/
package log
