// Package http serves the relay's operational endpoints over Fiber: liveness,
// dependency health and a status snapshot of receivers, workers and queues.
//
//	app := http.NewApp(http.Routes{Health: checks, Status: sections}, logger, tracer)
//	srv, _ := http.NewServer(cfg, app, logger)
//	launcher.Add("http", srv)
package http
