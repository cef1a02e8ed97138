// Package bsas implements a Beam Synchronous Acquisition Service: it
// subscribes to a configurable set of named live telemetry signals, aligns
// their updates by exact timestamp into coherent rows, and republishes
// those rows as a streaming table over NATS.
//
// The pipeline for one table is:
//
//	input/signal  → ingress queues → collector → table → output/natspub
//	                                                   ↘ output/wstable
//
// Each signal's source adapter (input/signal) decodes wire updates into
// immutable Values (value) and pushes them into a bounded per-column FIFO
// (ingress). A single assembler goroutine (collector) drains the queues,
// groups updates into slices keyed by their 64-bit composite timestamp,
// decides completeness and expiry, and emits completed slices in strict
// key order. The serializer (table) maintains the column-typed output
// table, handling disconnect backfill and column type changes, and posts
// snapshots through a publish transport: NATS (output/natspub) and
// optionally live WebSocket clients (output/wstable).
//
// A coordinator owns one such pipeline per configured table prefix,
// applies signal-list changes by rebuilding it, and publishes per-column
// status counters once per second. The bsasd command wires everything
// together from a YAML configuration file.
package bsas
