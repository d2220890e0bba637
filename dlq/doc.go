// Package dlq implements the dead letter queue for permanently failed
// operations.
//
// Work that has exhausted its retry budget is appended here together with
// its final error and attempt count. Appends are fire-and-forget and
// handled by the queue's own goroutine. Entries remain until an operator
// lists and replays them; a successful replay removes the entry, a failed
// one leaves it in place. An optional AMQP forwarder mirrors new entries
// to a RabbitMQ dead-letter exchange.
package dlq
