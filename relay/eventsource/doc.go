// Package eventsource defines the identity of a notification origin and the
// Receiver that keeps a connect, subscribe, listen loop alive against it.
//
// Concrete listeners live next to their driver: postgres.NotifyListener,
// rabbitmq.QueueListener and redis.PubSubListener.
package eventsource
