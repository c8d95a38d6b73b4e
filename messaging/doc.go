// Package messaging provides the envelope-level messaging API: publishing,
// consuming with acknowledgment semantics, request/reply over queues, and
// bounded publish retry.
//
// Delivery is at-least-once. Consumer-side idempotence is the caller's
// responsibility: a handler may observe the same envelope again after a
// failure or a redelivery.
package messaging
