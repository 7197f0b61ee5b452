package logx

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order; a repeated key is
// written twice and JSON readers keep the last one.
type Field func(e *zerolog.Event)

func String(k, v string) Field           { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field          { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field      { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Float64(k string, v float64) Field  { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Bool(k string, v bool) Field        { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Time(k string, v time.Time) Field   { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field          { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }

// Err writes nothing for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Keys shared by every delivery log line, so operators can grep one
// campaign or one recipient across components.
const (
	KeyComponent = "comp"
	KeyCampaign  = "campaign_id"
	KeyTask      = "task_id"
	KeyRecipient = "recipient_id"
)

func Component(name string) Field { return String(KeyComponent, name) }
func CampaignID(id string) Field  { return String(KeyCampaign, id) }
func TaskID(id string) Field      { return String(KeyTask, id) }
func RecipientID(id string) Field { return String(KeyRecipient, id) }

// Recovered records a value caught by recover() together with the stack
// of the goroutine that panicked. Call it inside the deferred function.
func Recovered(r any) Field {
	stack := debug.Stack()
	return func(e *zerolog.Event) {
		e.Str("panic", fmt.Sprint(r))
		e.Bytes("stack", stack)
	}
}
