// Package logging sets up structured logging for the contextual client.
//
// Logs are JSON lines written to ~/.contextual/logs/client.log with
// size-based rotation. With --debug they are also mirrored to stderr at
// debug level. The viewer reads the same file back for `contextual logs`.
package logging
