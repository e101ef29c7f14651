// Package dedupe tracks realtime frame IDs inside a time window so that
// at-least-once delivery never applies the same event twice.
package dedupe
