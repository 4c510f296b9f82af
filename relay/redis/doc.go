// Package redis connects a relay processor to Redis: a pub/sub event listener,
// a stream-backed notification sender and a distributed lock for work that
// only one instance of a fleet should run at a time.
package redis
