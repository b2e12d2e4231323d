package runtime

import (
	"time"

	"github.com/vk/evergo/bus"
)

// Kind names the direction of one bus operation.
type Kind string

const (
	KindCommand  Kind = "command"
	KindVariable Kind = "variable"
	KindCall     Kind = "call"
	KindPublish  Kind = "publish"
)

// Observer is told about every completed bus operation. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	Observe(kind Kind, meta bus.CommandMeta, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) Observe(Kind, bus.CommandMeta, time.Duration, error) {}
