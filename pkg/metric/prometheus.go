// Copyright 2023 The gVisor Authors.
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

package metric

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// prometheusName converts a metric path into a Prometheus metric name:
// "/mm/prefetch/requests" becomes "mmpf_mm_prefetch_requests".
func prometheusName(name string) string {
	var b strings.Builder
	b.WriteString("mmpf")
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// escapeHelp escapes a HELP line as required by the text exposition format.
func escapeHelp(s string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(s)
}

// escapeLabel escapes a label value.
func escapeLabel(s string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`).Replace(s)
}

// WritePrometheus writes a snapshot of all registered metrics to w in the
// Prometheus text exposition format. All metrics are counters.
func WritePrometheus(w io.Writer) error {
	bw := bufio.NewWriter(w)
	last := ""
	for _, s := range Snapshot() {
		name := prometheusName(s.Name)
		if name != last {
			fmt.Fprintf(bw, "# HELP %s %s\n", name, escapeHelp(s.Description))
			fmt.Fprintf(bw, "# TYPE %s counter\n", name)
			last = name
		}
		if s.FieldName != "" {
			fmt.Fprintf(bw, "%s{%s=\"%s\"} %d\n", name, s.FieldName, escapeLabel(s.FieldValue), s.Value)
		} else {
			fmt.Fprintf(bw, "%s %d\n", name, s.Value)
		}
	}
	return bw.Flush()
}
