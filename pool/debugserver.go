package pool

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DebugServer returns an http.Handler exposing the pool's current state and
// Prometheus metrics, for operators introspecting a running dispatcher.
// Never mounted over the public backend interface — wire it to a separate
// listener.
func (p *Pool) DebugServer() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Logger)

	r.Get("/state", p.handleState)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type clientStateView struct {
	Index      int    `json:"index"`
	ID         string `json:"id"`
	QueueDepth int    `json:"queueDepth"`
	Locked     bool   `json:"locked"`
	Online     bool   `json:"online"`
}

type poolStateView struct {
	Mode        string            `json:"mode"`
	QueueLength int               `json:"queueLength"`
	Clients     []clientStateView `json:"clients"`
}

func (p *Pool) handleState(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	view := poolStateView{
		Mode:        p.mode.String(),
		QueueLength: p.queue.len(),
		Clients:     make([]clientStateView, len(p.states)),
	}
	for i, s := range p.states {
		view.Clients[i] = clientStateView{
			Index:      i,
			ID:         s.ID,
			QueueDepth: s.QueueDepth,
			Locked:     s.Locked,
			Online:     s.Online,
		}
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}
