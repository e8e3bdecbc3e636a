package task

// Listener receives lifecycle events from every executor registered with a
// Manager. Callbacks run on the goroutine that produced the event and receive
// the record, never the executor.
//
// Implementations must be comparable (typically pointer types) because the
// manager identifies listeners by equality on unregister.
// Version: 1.0
type Listener interface {
	OnStart(record Record)
	OnStop(record Record)
	OnAbort(record Record)
	OnDoing(record Record, completed int64)
	OnComplete(record Record)
	OnError(record Record, message string)
}

// NopListener implements Listener with empty callbacks. Embed it to implement
// only the events you care about.
type NopListener struct{}

func (NopListener) OnStart(Record)         {}
func (NopListener) OnStop(Record)          {}
func (NopListener) OnAbort(Record)         {}
func (NopListener) OnDoing(Record, int64)  {}
func (NopListener) OnComplete(Record)      {}
func (NopListener) OnError(Record, string) {}

var _ Listener = NopListener{}
