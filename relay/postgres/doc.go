// Package postgres backs a relay processor with PostgreSQL: a connection
// client with primary/replica routing and embedded migrations, a request
// store the dispatcher fetches from, and a LISTEN/NOTIFY event listener.
package postgres
