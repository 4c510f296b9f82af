// Package rabbitmq holds the AMQP pieces of the relay: a queue-consumer
// event listener, the request/reply RPC client with connection recovery, a
// responder for the serving side and a publisher used as a notification
// sender.
//
// Connection strings never appear in returned errors or logs; they are
// redacted before leaving the package.
package rabbitmq
