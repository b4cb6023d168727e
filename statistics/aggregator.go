package statistics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AGPFMiner/multiminer/types"
)

const (
	oneMinute   = 60
	fiveMinutes = 300
	oneHour     = Window
)

type deviceStats struct {
	rate    HashRate
	valid   uint64
	invalid uint64
}

//Aggregator collects hashrate samples and result counters. It is never on the
//path of job delivery or share submission.
type Aggregator struct {
	mu       sync.Mutex
	counters types.Counters
	devices  map[string]*deviceStats

	hashrate *prometheus.GaugeVec
	results  *prometheus.CounterVec
	events   *prometheus.CounterVec
}

//NewAggregator registers the miner metrics on reg, nil keeps them unregistered
func NewAggregator(reg prometheus.Registerer) *Aggregator {
	factory := promauto.With(reg)
	return &Aggregator{
		devices: make(map[string]*deviceStats),
		hashrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "multiminer",
			Name:      "device_hashrate",
			Help:      "Latest hashrate sample of a device in hashes per second",
		}, []string{"device"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multiminer",
			Name:      "results_total",
			Help:      "Device results by verdict",
		}, []string{"verdict"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multiminer",
			Name:      "events_total",
			Help:      "Share submission and work distribution events",
		}, []string{"event"}),
	}
}

func (a *Aggregator) device(id string) *deviceStats {
	d, ok := a.devices[id]
	if !ok {
		d = &deviceStats{}
		a.devices[id] = d
	}
	return d
}

//Record counts the verdict of one candidate
func (a *Aggregator) Record(deviceID string, v types.Verdict) {
	a.mu.Lock()
	switch v {
	case types.Accepted:
		a.counters.Accepted++
		a.device(deviceID).valid++
	case types.Stale:
		a.counters.Stale++
	case types.Invalid:
		a.counters.Invalid++
		a.device(deviceID).invalid++
	case types.Duplicate:
		a.counters.Duplicate++
	case types.Dropped:
		a.counters.Dropped++
	}
	a.mu.Unlock()
	a.results.WithLabelValues(v.String()).Inc()
}

//Sample adds a one second hashrate sample for a device
func (a *Aggregator) Sample(deviceID string, rate float64) {
	a.mu.Lock()
	d := a.device(deviceID)
	a.mu.Unlock()
	d.rate.Add(rate)
	a.hashrate.WithLabelValues(deviceID).Set(rate)
}

func (a *Aggregator) event(name string, counter *uint64) {
	a.mu.Lock()
	*counter++
	a.mu.Unlock()
	a.events.WithLabelValues(name).Inc()
}

func (a *Aggregator) IncNonceExhausted() {
	a.event("nonce_exhausted", &a.counters.NonceExhausted)
}

func (a *Aggregator) IncSubmitted() {
	a.event("submitted", &a.counters.Submitted)
}

func (a *Aggregator) IncSubmitFailed() {
	a.event("submit_failed", &a.counters.SubmitFailed)
}

func (a *Aggregator) IncShareQueueDropped() {
	a.event("share_queue_dropped", &a.counters.ShareQueueDropped)
}

func (a *Aggregator) Counters() types.Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters
}

//Snapshot returns current and windowed hashrates per device and in total
func (a *Aggregator) Snapshot() *types.StatsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := &types.StatsSnapshot{
		PerDevice: make(map[string]types.DeviceRate, len(a.devices)),
		Counters:  a.counters,
	}
	for id, d := range a.devices {
		r := types.DeviceRate{
			Current: d.rate.Last(),
			OneMin:  d.rate.Average(oneMinute),
			FiveMin: d.rate.Average(fiveMinutes),
			OneHour: d.rate.Average(oneHour),
			Valid:   d.valid,
			Invalid: d.invalid,
		}
		snap.PerDevice[id] = r
		snap.Total.Current += r.Current
		snap.Total.OneMin += r.OneMin
		snap.Total.FiveMin += r.FiveMin
		snap.Total.OneHour += r.OneHour
		snap.Total.Valid += r.Valid
		snap.Total.Invalid += r.Invalid
	}
	return snap
}

//RateSource reports the current hashrate of every device
type RateSource interface {
	PollHashrates() map[string]float64
}

//Run samples src every interval until ctx is done
func (a *Aggregator) Run(ctx context.Context, src RateSource, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for id, rate := range src.PollHashrates() {
				a.Sample(id, rate)
			}
		}
	}
}
