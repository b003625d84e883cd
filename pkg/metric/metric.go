// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse is returned when a metric with the same name exists.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues is returned for a field without values.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// Field breaks a metric down by one label.
type Field struct {
	name          string
	allowedValues []string
}

// NewField returns a Field named name whose values are restricted to
// allowedValues.
func NewField(name string, allowedValues []string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// index returns the counter slot for value.
func (f *Field) index(value string) int {
	for i, v := range f.allowedValues {
		if v == value {
			return i
		}
	}
	panic(fmt.Sprintf("value %q not allowed for field %q", value, f.name))
}

// Uint64Metric is a cumulative counter, optionally broken down by a Field.
type Uint64Metric struct {
	name        string
	description string

	// field is nil for plain counters.
	field *Field

	// counters has one slot per allowed field value, or one slot.
	counters []atomic.Uint64
}

var (
	allMetricsMu sync.Mutex
	allMetrics   = make(map[string]*Uint64Metric)
)

// NewUint64Metric registers a counter named name, e.g.
// "/mm/prefetch/requests". At most one field may be given. Metrics are
// meant to be created at init.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	m := &Uint64Metric{name: name, description: description}
	switch len(fields) {
	case 0:
		m.counters = make([]atomic.Uint64, 1)
	case 1:
		if len(fields[0].allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		m.field = &fields[0]
		m.counters = make([]atomic.Uint64, len(m.field.allowedValues))
	default:
		return nil, fmt.Errorf("%d fields provided, must be <= 1", len(fields))
	}

	allMetricsMu.Lock()
	defer allMetricsMu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return nil, ErrNameInUse
	}
	allMetrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric is NewUint64Metric, panicking on error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// counter returns the slot for the given field values, which must match the
// metric's fields in number.
func (m *Uint64Metric) counter(fieldValues []string) *atomic.Uint64 {
	switch {
	case m.field == nil && len(fieldValues) == 0:
		return &m.counters[0]
	case m.field != nil && len(fieldValues) == 1:
		return &m.counters[m.field.index(fieldValues[0])]
	default:
		panic(fmt.Sprintf("metric %s: got %d field values", m.name, len(fieldValues)))
	}
}

// Value returns the current value for the given field values.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.counter(fieldValues).Load()
}

// Increment adds 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.counter(fieldValues).Add(1)
}

// IncrementBy adds v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counter(fieldValues).Add(v)
}

// Sample is one value of one metric at snapshot time.
type Sample struct {
	Name        string
	Description string

	// FieldName and FieldValue are empty for metrics without fields.
	FieldName  string
	FieldValue string

	Value uint64
}

// Snapshot returns the current value of every registered metric, sorted by
// name and then field value order.
func Snapshot() []Sample {
	allMetricsMu.Lock()
	names := make([]string, 0, len(allMetrics))
	for name := range allMetrics {
		names = append(names, name)
	}
	metrics := make([]*Uint64Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		metrics = append(metrics, allMetrics[name])
	}
	allMetricsMu.Unlock()

	var samples []Sample
	for _, m := range metrics {
		for i := range m.counters {
			s := Sample{
				Name:        m.name,
				Description: m.description,
				Value:       m.counters[i].Load(),
			}
			if m.field != nil {
				s.FieldName = m.field.name
				s.FieldValue = m.field.allowedValues[i]
			}
			samples = append(samples, s)
		}
	}
	return samples
}
