package mesh

import (
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// SendError is a signaling message the channel could not take. It is
// reported upward and never tears down other sessions.
type SendError struct {
	Op  core.Op
	To  domain.PeerID
	Err error
}

func (e *SendError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("send %s to %s: %v", e.Op, e.To, e.Err)
	}
	return fmt.Sprintf("send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
