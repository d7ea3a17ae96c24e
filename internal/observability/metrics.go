package observability

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MetricPoint is one labelled series value, as exposed on the JSON
// metrics endpoint.
type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

type series struct {
	name   string
	labels map[string]string
	value  float64
}

// Registry holds counters and gauges keyed by name plus sorted labels.
// It is deliberately small: the orchestrator's metric surface is a handful
// of series, snapshotted for JSON and rendered as Prometheus text on demand.
type Registry struct {
	mu       sync.Mutex
	counters map[string]series
	gauges   map[string]series
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]series),
		gauges:   make(map[string]series),
	}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	k := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.counters[k]
	if !ok {
		s = series{name: name, labels: cloneLabels(labels)}
	}
	s.value += delta
	r.counters[k] = s
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	k := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = series{name: name, labels: cloneLabels(labels), value: value}
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	counters := collect(r.counters)
	gauges := collect(r.gauges)
	r.mu.Unlock()
	return Snapshot{Counters: counters, Gauges: gauges}
}

// RenderPrometheus emits the registry in Prometheus text exposition format,
// one sorted line per series.
func (r *Registry) RenderPrometheus() string {
	s := r.Snapshot()
	lines := make([]string, 0, len(s.Counters)+len(s.Gauges))
	for _, p := range s.Counters {
		lines = append(lines, promLine(p))
	}
	for _, p := range s.Gauges {
		lines = append(lines, promLine(p))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func collect(m map[string]series) []MetricPoint {
	out := make([]MetricPoint, 0, len(m))
	for _, s := range m {
		out = append(out, MetricPoint{Name: s.name, Labels: cloneLabels(s.labels), Value: s.value})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return labelPairs(out[i].Labels) < labelPairs(out[j].Labels)
	})
	return out
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "\x00" + labelPairs(labels)
}

func labelPairs(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+labels[k])
	}
	return strings.Join(pairs, ",")
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func promLine(p MetricPoint) string {
	value := strconv.FormatFloat(p.Value, 'f', -1, 64)
	if len(p.Labels) == 0 {
		return sanitizeName(p.Name) + " " + value
	}
	keys := make([]string, 0, len(p.Labels))
	for k := range p.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, sanitizeName(k)+"="+strconv.Quote(p.Labels[k]))
	}
	return sanitizeName(p.Name) + "{" + strings.Join(pairs, ",") + "} " + value
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "testbed_metric"
	}
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if clean[0] >= '0' && clean[0] <= '9' {
		clean = "_" + clean
	}
	return clean
}
