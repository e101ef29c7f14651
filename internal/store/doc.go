// Package store provides the durable state layer for the sync engine.
//
// State is a flat key→JSON-blob namespace on a single SQLite table: tokens,
// entity collections, the mutation queue, and the guest profile each live
// under their own key (see the Key* constants). Keys are written with atomic
// upserts, so components can persist their state independently and a failure
// mid-write never takes unrelated keys with it.
//
// The store holds no domain knowledge. Components own their keys and the
// shape of what they put under them.
package store
