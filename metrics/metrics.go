// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/remote-unwinder/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/remote-unwinder/vc"
)

var (
	//go:embed metrics.json
	metricsJSON []byte

	// metricTypes holds the type of every valid ID; obsolete IDs are absent.
	metricTypes map[MetricID]MetricType

	// totals accumulates counters and holds the last value of gauges.
	totals [IDMax]atomic.Int64

	meter = otel.Meter("go.opentelemetry.io/remote-unwinder",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}
)

func init() {
	defs := GetDefinitions()
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range defs {
		if md.Obsolete {
			continue
		}
		if md.ID >= IDMax {
			panic(fmt.Sprintf("metric %s: id %d out of range, regenerate ids.go", md.Name, md.ID))
		}
		metricTypes[md.ID] = md.Type
		name := md.Field
		if name == "" {
			name = md.Name
		}
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(name,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(name,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// AddSlice records a slice of metrics from a metric provider. Counters with a zero value
// are skipped.
func AddSlice(newMetrics []Metric) {
	ctx := context.Background()
	for _, m := range newMetrics {
		typ, ok := metricTypes[m.ID]
		if !ok {
			log.Warnf("Invalid metric id %d, skipping", m.ID)
			continue
		}

		switch typ {
		case MetricTypeCounter:
			if m.Value == 0 {
				continue
			}
			totals[m.ID].Add(int64(m.Value))
			if counter, ok := counters[m.ID]; ok {
				counter.Add(ctx, int64(m.Value))
			}
		case MetricTypeGauge:
			totals[m.ID].Store(int64(m.Value))
			if gauge, ok := gauges[m.ID]; ok {
				gauge.Record(ctx, int64(m.Value))
			}
		}
	}
}

// Add records a single metric (id and value) from a metric provider.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Totals returns the accumulated value of every metric that was recorded at least once
// with a non-zero value.
func Totals() Summary {
	s := make(Summary)
	for id := range metricTypes {
		if v := totals[id].Load(); v != 0 {
			s[id] = MetricValue(v)
		}
	}
	return s
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	err := dec.Decode(&defs)
	if err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}

// Lookup returns the definition of id.
func Lookup(id MetricID) (MetricDefinition, bool) {
	for _, md := range GetDefinitions() {
		if md.ID == id && !md.Obsolete {
			return md, true
		}
	}
	return MetricDefinition{}, false
}
