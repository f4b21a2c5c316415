// Package stats exposes the relay's counters through expvar.
package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater applies counter deltas from a single goroutine, so hot
// paths never contend on the expvar map.
type StatsUpdater struct {
	vars   *expvar.Map
	deltas chan counterDelta
}

type counterDelta struct {
	name  string
	delta int64
}

func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:   expvar.NewMap("chat-relay"),
		deltas: make(chan counterDelta, 512),
	}

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	mux.HandleFunc("GET /debug/vars", su.serveVars)
	return su
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	snapshot := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		snapshot[kv.Key] = value
	})

	json.NewEncoder(w).Encode(snapshot)
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, expvar.NewInt(name))
}

func (su *StatsUpdater) Incr(name string) {
	su.deltas <- counterDelta{name: name, delta: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.deltas <- counterDelta{name: name, delta: -1}
}

func (su *StatsUpdater) apply() {
	for d := range su.deltas {
		counter, ok := su.vars.Get(d.name).(*expvar.Int)
		if !ok {
			// unregistered metric, drop the delta
			continue
		}
		counter.Add(d.delta)
	}
}

func (su *StatsUpdater) Run() {
	go su.apply()
}

func (su *StatsUpdater) Stop() {
	close(su.deltas)
}
