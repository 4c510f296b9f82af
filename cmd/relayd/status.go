package main

import (
	"context"

	"github.com/LerianStudio/lib-relay/relay/bootstrap"
	relayhttp "github.com/LerianStudio/lib-relay/relay/net/http"
)

type receiverView struct {
	Source      string `json:"source"`
	State       string `json:"state"`
	Connections int64  `json:"connections"`
}

type dispatcherView struct {
	Running      bool  `json:"running"`
	WorkersTotal int   `json:"workers_total"`
	WorkersBusy  int   `json:"workers_busy"`
	Fetched      int64 `json:"fetched"`
	Assigned     int64 `json:"assigned"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	FetchErrors  int64 `json:"fetch_errors"`
	Buffered     int   `json:"buffered"`
	Dropped      int64 `json:"dropped"`
}

type channelView struct {
	Queued  int    `json:"queued"`
	Breaker string `json:"breaker"`
	Error   string `json:"error,omitempty"`
}

func statusSections(boot *bootstrap.Bootstrapper, w *wiring) []relayhttp.StatusSection {
	return []relayhttp.StatusSection{
		{Name: "receivers", Collect: func(context.Context) (any, error) {
			out := make([]receiverView, 0)
			for _, r := range boot.Receivers() {
				out = append(out, receiverView{
					Source:      r.Source.String(),
					State:       r.State.String(),
					Connections: r.Connections,
				})
			}

			return out, nil
		}},
		{Name: "dispatcher", Collect: func(context.Context) (any, error) {
			view := dispatcherView{
				Buffered: w.proc.buffer.Len(),
				Dropped:  w.proc.buffer.Dropped(),
			}

			if d := boot.Dispatcher(); d != nil {
				stats := d.Stats()
				view.Running = true
				view.WorkersTotal = stats.WorkersTotal
				view.WorkersBusy = stats.WorkersBusy
				view.Fetched = stats.Fetched
				view.Assigned = stats.Assigned
				view.Completed = stats.Completed
				view.Failed = stats.Failed
				view.FetchErrors = stats.FetchErrors
			}

			return view, nil
		}},
		{Name: "requests", Collect: func(ctx context.Context) (any, error) {
			return w.store.Counts(ctx)
		}},
		{Name: "notifications", Collect: func(context.Context) (any, error) {
			out := make(map[string]channelView)

			for _, kind := range w.registry.Kinds() {
				ch, ok := w.registry.Get(kind)
				if !ok {
					continue
				}

				view := channelView{Queued: ch.Len(), Breaker: string(ch.BreakerState())}
				if err := ch.Err(); err != nil {
					view.Error = err.Error()
				}

				out[kind] = view
			}

			return out, nil
		}},
	}
}
