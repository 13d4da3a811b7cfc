package model

import (
	"strconv"
	"time"
)

type SampleKind string

const (
	KindCounter   SampleKind = "counter"
	KindGauge     SampleKind = "gauge"
	KindHistogram SampleKind = "histogram"
	KindLog       SampleKind = "log"
	KindEvent     SampleKind = "event"
)

// Value is either numeric or textual, never both.
type Value struct {
	num    float64
	text   string
	isText bool
}

func Number(v float64) Value {
	return Value{num: v}
}

func Text(s string) Value {
	return Value{text: s, isText: true}
}

func (v Value) IsText() bool {
	return v.isText
}

func (v Value) Float() float64 {
	return v.num
}

func (v Value) String() string {
	if v.isText {
		return v.text
	}
	return strconv.FormatFloat(v.num, 'g', -1, 64)
}

// Sample is one timestamped measurement. All fields are unexported so a
// Sample cannot change after NewSample returns.
type Sample struct {
	name  string
	kind  SampleKind
	value Value
	tags  map[string]string
	ts    time.Time
}

func NewSample(name string, kind SampleKind, value Value, tags map[string]string, ts time.Time) Sample {
	var own map[string]string
	if len(tags) > 0 {
		own = make(map[string]string, len(tags))
		for k, v := range tags {
			own[k] = v
		}
	}
	return Sample{name: name, kind: kind, value: value, tags: own, ts: ts}
}

// Gauge is shorthand for a numeric gauge sample.
func Gauge(name string, v float64, tags map[string]string, ts time.Time) Sample {
	return NewSample(name, KindGauge, Number(v), tags, ts)
}

// Counter is shorthand for a numeric counter sample.
func Counter(name string, v float64, tags map[string]string, ts time.Time) Sample {
	return NewSample(name, KindCounter, Number(v), tags, ts)
}

// Event is shorthand for a textual event sample.
func Event(name, text string, tags map[string]string, ts time.Time) Sample {
	return NewSample(name, KindEvent, Text(text), tags, ts)
}

func (s Sample) Name() string         { return s.name }
func (s Sample) Kind() SampleKind     { return s.kind }
func (s Sample) Value() Value         { return s.value }
func (s Sample) Timestamp() time.Time { return s.ts }

func (s Sample) Tag(key string) (string, bool) {
	v, ok := s.tags[key]
	return v, ok
}

// Tags returns a copy of the tag set.
func (s Sample) Tags() map[string]string {
	if len(s.tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}

// WithTimestamp returns a copy of s stamped with ts.
func (s Sample) WithTimestamp(ts time.Time) Sample {
	s.ts = ts
	return s
}

// WithTags returns a copy of s whose tag set is extended by extra.
// Keys already present on s win.
func (s Sample) WithTags(extra map[string]string) Sample {
	if len(extra) == 0 {
		return s
	}
	merged := make(map[string]string, len(s.tags)+len(extra))
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range s.tags {
		merged[k] = v
	}
	s.tags = merged
	return s
}
