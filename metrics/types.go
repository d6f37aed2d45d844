// Package metrics exposes grouped counters, gauges and stopwatches backed by
// a prometheus registry.
package metrics

// Value represents a metric value as a float64.
type Value float64

// Dimension represents metric dimensions as key-value pairs, exported as
// prometheus labels.
type Dimension map[string]string
