// Package metrics holds the Prometheus collectors of the sync engine.
package metrics
