// Package pebblestore keeps queue items in an embedded Pebble database. A
// store-wide mutex serializes mutations, so the claim check and the claim
// write behave as a single step, and every multi-key update goes through one
// synced batch.
//
// # Keyspace
//
// Per-queue keys live under q/{queue}/:
//
//	item/{id}                      - Item record (framed header + payload)
//	avail/{^priority}/{created}/{id} - Claimable index in delivery order
//	token/{token}                  - Unique token -> item id
//	lease_idx/{expires}/{id}       - Lock expiry index for reclamation
//
// Top-level keys:
//
//	queues/{name}      - Queue registry
//	meta/next_item     - Item id counter
//	meta/next_consumer - Consumer id counter
//
// Integers in keys are 8-byte big-endian. Priorities are bit-inverted so
// that higher priorities sort first; created timestamps and ids follow in
// ascending order, which makes the first avail entry the next item to serve.
// An item sits in the avail index exactly while it holds no lock; claiming
// moves it to the expiry index and reclamation moves it back.
package pebblestore
