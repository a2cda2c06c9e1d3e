// internal/checkpoint/errors.go
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"time"
)

// ErrInvalidArgument indicates a caller-supplied value that cannot be used,
// such as an unparsable timestamp string.
var ErrInvalidArgument = errors.New("invalid argument")

// notFoundError reports a missing checkpoint, naming the session and the
// formatted timestamp so the message is meaningful to users.
func notFoundError(session string, ts time.Time) error {
	return fmt.Errorf("checkpoint %s/%s: %w", session, FormatTimestamp(ts), fs.ErrNotExist)
}

// sessionNotFoundError reports a session with no checkpoints.
func sessionNotFoundError(session string) error {
	return fmt.Errorf("no checkpoints for session %s: %w", session, fs.ErrNotExist)
}

// IsNotFound reports whether err represents a missing session or checkpoint.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
