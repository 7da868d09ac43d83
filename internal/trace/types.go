// Package trace provides tagged, annotated event types shared by
// internal/log's event chokepoint and internal/monitor's live view: every
// load/update/redirect/tls notification the core emits carries a primary
// category plus zero or more enrichment tags, so `luci top` can show more
// than a bare string without every subsystem constructing its own ad hoc
// metadata shape.
package trace

import "time"

// Tag represents a trace event category or enrichment.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events, covering the categories
// internal/log.Logger.Event is actually called with (update, redirect,
// helper, startup) plus enrichments DefaultEnricher derives from them.
const (
	Update    Tag = "update"
	Redirect  Tag = "redirect"
	Helper    Tag = "helper"
	Startup   Tag = "startup"
	Promote   Tag = "promote"
	Trap      Tag = "trap"
	TLS       Tag = "tls"
	Relocate  Tag = "relocate"
	Segment   Tag = "segment"
	Symbol    Tag = "symbol"
	DebugHash Tag = "debughash"
	Policy    Tag = "policy"
	Failure   Tag = "failure"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Set adds or updates an annotation.
func (a Annotations) Set(k, v string) {
	a[k] = v
}

// Event represents one internal/log.Logger.Event call, enriched with
// derived tags before it reaches the monitor ring buffer or the
// status-info stream's correlation.
type Event struct {
	Tags      Tags
	Name      string // identity name, or a sub-category when there's no identity (e.g. "poll")
	Detail    string
	Timestamp time.Time
}

// NewEvent creates an Event from the (category, name, detail) triple every
// log.Logger.Event caller already passes, running DefaultEnricher before
// returning it.
func NewEvent(category, name, detail string) *Event {
	e := &Event{
		Tags:      Tags{Tag(category)},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	DefaultEnricher(e)
	return e
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events based on category and name.
type Enricher func(e *Event)

// DefaultEnricher adds a second tag describing what kind of update/redirect
// event this was, the way the original enricher derived finer-grained tags
// (malloc, string, jni-call, ...) from a libc/JNI stub's bare category.
func DefaultEnricher(e *Event) {
	if len(e.Tags) == 0 {
		return
	}

	switch e.Tags[0] {
	case Update:
		switch {
		case e.Detail == "SUCCESS_UPDATE" || e.Detail == "SUCCESS_LOAD":
			// first or steady-state load, no further tag
		default:
			e.AddTag(Failure)
		}
	case Redirect:
		switch {
		case e.Name == "install":
			e.AddTag(Trap)
		case e.Detail == "got slot rewritten":
			// GOT/PLT indirect rewrite, no trap involved
		default:
			e.AddTag(Promote)
		}
	case Helper:
		if e.Name == "ptrace" || e.Name == "poll" {
			e.AddTag(Failure)
		}
	}
}
