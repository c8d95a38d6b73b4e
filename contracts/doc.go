// Package contracts defines the envelope that every message crossing the
// relay boundary is wrapped in.
//
// Collaborating services publish and consume envelopes exclusively; they
// never see broker-native types. The envelope is a JSON-compatible value:
//
//	{id, type, timestamp, data, metadata?: {correlationId, replyTo, priority, ttl}}
//
// Timestamps are milliseconds since the Unix epoch and are best-effort
// monotonic non-decreasing within one publishing process.
package contracts
