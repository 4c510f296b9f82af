// Package bootstrap wires event receivers, the dispatcher and the periodic
// fallback into one processor with a strict start and stop order.
package bootstrap
