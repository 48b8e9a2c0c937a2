package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

// Counter names used across the pipeline. Registered up front so a typo'd
// increment fails loudly instead of silently creating a new series.
const (
	MessagesAccepted  = "MessagesAccepted"
	ParseErrors       = "ParseErrors"
	ValidationErrors  = "ValidationErrors"
	QueueErrors       = "QueueErrors"
	ActiveConnections = "ActiveConnections"
	BridgeBroadcasts  = "BridgeBroadcasts"

	MessagesProcessed = "MessagesProcessed"
	MessagesFailed    = "MessagesFailed"
	BusPublished      = "BusPublished"
	DBQueued          = "DBQueued"
	DBWritten         = "DBWritten"
	DBDropped         = "DBDropped"
	DBBatchFailures   = "DBBatchFailures"
)

// AllCounters lists every counter in the pipeline; each process registers
// the full set at startup.
var AllCounters = []string{
	MessagesAccepted,
	ParseErrors,
	ValidationErrors,
	QueueErrors,
	ActiveConnections,
	BridgeBroadcasts,
	MessagesProcessed,
	MessagesFailed,
	BusPublished,
	DBQueued,
	DBWritten,
	DBDropped,
	DBBatchFailures,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Add(name string, delta int)
	Value(name string) int64
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater instance and mounts its
// handler on mux.
func NewStatsUpdater(mux *http.ServeMux, name string) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.vars = new(expvar.Map).Init()
	expvar.Publish(name, su.vars)
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric := su.vars.Get(req.name)
		if metric == nil {
			panic("metric not found: " + req.name)
		}

		metric.(*expvar.Int).Add(int64(req.value))
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

func (su *StatsUpdater) Add(name string, delta int) {
	su.updateChan <- &metricsUpdateReq{name: name, value: delta}
}

// Value returns the current value of a registered counter. Reads race with
// in-flight updates, which is fine for reporting.
func (su *StatsUpdater) Value(name string) int64 {
	metric := su.vars.Get(name)
	if metric == nil {
		return 0
	}

	if v, ok := metric.(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
