package events

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// LogRecorder writes each event as a single log line.
type LogRecorder struct {
	Logger *log.Logger
}

func (r LogRecorder) Record(event types.Event) {
	if r.Logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString("event=")
	b.WriteString(string(event.Type))
	if event.RunID != "" {
		b.WriteString(" run=")
		b.WriteString(event.RunID)
	}
	if event.Subject != "" {
		b.WriteString(" subject=")
		b.WriteString(event.Subject)
	}
	writeFields(&b, event.Labels)
	writeFields(&b, event.Details)
	r.Logger.Print(b.String())
}

// writeFields appends " key=value" for each entry, sorted by key.
func writeFields[V any](b *strings.Builder, fields map[string]V) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(formatValue(fields[k]))
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if strings.ContainsAny(val, " \t\n") {
			return `"` + strings.ReplaceAll(val, `"`, `'`) + `"`
		}
		return val
	case error:
		return formatValue(val.Error())
	default:
		return formatValue(fmt.Sprint(val))
	}
}
