// Package reliability provides the backoff policies behind publish retries
// and supervised reconnection.
package reliability
