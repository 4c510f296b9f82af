// Package relay hosts long-running relay components (dispatch processors,
// status servers) under a Launcher and loads their configuration from the
// environment.
package relay
