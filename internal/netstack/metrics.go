package netstack

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
)

// statsCollector exports a Stats snapshot. Every uint64 field becomes a
// counter named mtcp_<layer>_<field>_total and every int field a gauge.
type statsCollector struct {
	fetch func() (Stats, bool)
	descs []statDesc
}

type statDesc struct {
	desc  *prometheus.Desc
	layer int
	field int
	kind  prometheus.ValueType
}

func newStatsCollector(fetch func() (Stats, bool)) *statsCollector {
	c := &statsCollector{fetch: fetch}
	t := reflect.TypeOf(Stats{})
	for i := 0; i < t.NumField(); i++ {
		layer := t.Field(i)
		lt := layer.Type
		for j := 0; j < lt.NumField(); j++ {
			f := lt.Field(j)
			name := "mtcp_" + snakeCase(layer.Name) + "_" + snakeCase(f.Name)
			var kind prometheus.ValueType
			switch f.Type.Kind() {
			case reflect.Uint64:
				kind = prometheus.CounterValue
				name += "_total"
			case reflect.Int:
				kind = prometheus.GaugeValue
			default:
				continue
			}
			help := layer.Name + " " + f.Name
			c.descs = append(c.descs, statDesc{
				desc:  prometheus.NewDesc(name, help, nil, nil),
				layer: i,
				field: j,
				kind:  kind,
			})
		}
	}
	return c
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st, ok := c.fetch()
	if !ok {
		return
	}
	v := reflect.ValueOf(st)
	for _, d := range c.descs {
		f := v.Field(d.layer).Field(d.field)
		var val float64
		if f.Kind() == reflect.Uint64 {
			val = float64(f.Uint())
		} else {
			val = float64(f.Int())
		}
		ch <- prometheus.MustNewConstMetric(d.desc, d.kind, val)
	}
}

// snakeCase turns "RequestsSent" into "requests_sent" and "ICMP" into
// "icmp".
func snakeCase(s string) string {
	var b strings.Builder
	rs := []rune(s)
	for i, r := range rs {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := unicode.IsLower(rs[i-1])
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if prevLower || (nextLower && unicode.IsUpper(rs[i-1])) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
