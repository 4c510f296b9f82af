// Package dispatcher turns "work may be available" wake-ups into bounded
// fetch and assignment cycles over a fixed pool of workers.
//
// The dispatcher never asks its RequestSource for more requests than it has
// free workers, never assigns a busy worker, and settles every request's
// acknowledger exactly once after its worker finished.
package dispatcher
