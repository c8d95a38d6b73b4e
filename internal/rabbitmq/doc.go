// Package rabbitmq provides the AMQP transport layer for relay.
//
// This package includes:
//   - Connection: An explicitly owned broker connection with an explicit
//     Connect/Reconnect/Close lifecycle
//   - ChannelPool: Multiplexes named logical channels (publisher, per-queue
//     consumer, rpc) over the shared connection
//   - TopologyManager: Declares exchanges, queues, bindings and the shared
//     dead-letter routing, idempotently
//   - Publisher: Publishes persistent messages and reports broker
//     backpressure as a soft rejection
//   - Consumer: Subscribes delivery handlers to queues with a bounded
//     prefetch
//
// Reconnection is never automatic: on a connection-level failure the pool
// reports ErrNotConnected until an external supervisor calls Reconnect.
package rabbitmq
