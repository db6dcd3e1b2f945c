package memory

import (
	"reflect"
	"time"

	"github.com/rs/zerolog"
)

// Options selects and tunes a Memory implementation.
type Options struct {
	MaxMessages   int
	FlushInterval time.Duration
	Logger        *zerolog.Logger
}

// New returns a Durable memory when store is usable and a Buffer otherwise,
// so a missing store degrades to in-process memory.
func New(agentID string, store RowStore, opts Options) Memory {
	if isNil(store) {
		return NewBuffer(opts.MaxMessages)
	}
	return NewDurable(agentID, store, DurableOptions{
		MaxMessages:   opts.MaxMessages,
		FlushInterval: opts.FlushInterval,
		Logger:        opts.Logger,
	})
}

// isNil catches typed nil pointers stored in the interface.
func isNil(store RowStore) bool {
	if store == nil {
		return true
	}
	v := reflect.ValueOf(store)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
