package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	defaultOnce sync.Once
	defaultBus  *GoChannelBus
)

// Default returns the process-wide bus, creating it on first use.
func Default() *GoChannelBus {
	defaultOnce.Do(func() {
		defaultBus = NewGoChannelBus(log.Logger)
	})
	return defaultBus
}
