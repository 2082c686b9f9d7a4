// Package stats keeps rolling per-client counters and an inter-arrival
// window for server introspection. Snapshots surface in SHOW_CONFIG replies
// and on the HTTP status proxy.
package stats

import (
	"sort"
	"sync"
	"time"
)

const (
	// intervalWindow bounds the ring of inter-arrival deltas.
	intervalWindow = 200
	// activeWindow is how recently a client must have spoken to count as
	// active.
	activeWindow = 180 * time.Second
)

// Request is the slice of a wire message the collector cares about.
type Request struct {
	ClientID  string
	IsCommand bool
}

// Collector accumulates request statistics. All methods are safe for
// concurrent use; Value takes the lock briefly for a consistent snapshot.
type Collector struct {
	mu             sync.Mutex
	perClient      map[string]int
	lastActive     map[string]time.Time
	dataReqs       int
	sysReqs        int
	totalSeqs      int
	lastReqAt      time.Time
	intervals      []float64 // seconds, ring of intervalWindow
	warmedUp       bool
	now            func() time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		perClient:  make(map[string]int),
		lastActive: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Update records one received frame. The first observed request is always
// discarded as warmup so the interval window never contains the idle gap
// before traffic started.
func (c *Collector) Update(r Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.warmedUp {
		c.warmedUp = true
		c.lastReqAt = c.now()
		return
	}

	c.perClient[r.ClientID]++
	if r.IsCommand {
		// System requests are mostly heartbeats and control; they do not
		// feed the data-rate window.
		c.sysReqs++
		return
	}

	c.dataReqs++
	c.totalSeqs++
	now := c.now()
	c.lastActive[r.ClientID] = now
	c.intervals = append(c.intervals, now.Sub(c.lastReqAt).Seconds())
	if len(c.intervals) > intervalWindow {
		c.intervals = c.intervals[1:]
	}
	c.lastReqAt = now
}

// Snapshot is a consistent copy of the collector state.
type Snapshot struct {
	NumDataRequests  int     `json:"num_data_request"`
	NumSysRequests   int     `json:"num_sys_request"`
	NumTotalRequests int     `json:"num_total_request"`
	NumTotalSeqs     int     `json:"num_total_seq"`
	NumTotalClients  int     `json:"num_total_client"`
	NumActiveClients int     `json:"num_active_client"`
	AvgReqPerClient  float64 `json:"avg_request_per_client"`
	MinReqPerClient  int     `json:"min_request_per_client"`
	MaxReqPerClient  int     `json:"max_request_per_client"`
	MinIntervalSec   float64 `json:"min_last_two_interval"`
	MaxIntervalSec   float64 `json:"max_last_two_interval"`
	MedIntervalSec   float64 `json:"median_last_two_interval"`
	MinReqPerSecond  float64 `json:"min_request_per_second"`
	MaxReqPerSecond  float64 `json:"max_request_per_second"`
	MedReqPerSecond  float64 `json:"median_request_per_second"`
}

// Value returns a snapshot of the counters and the interval window summary.
func (c *Collector) Value() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		NumDataRequests:  c.dataReqs,
		NumSysRequests:   c.sysReqs,
		NumTotalRequests: c.dataReqs + c.sysReqs,
		NumTotalSeqs:     c.totalSeqs,
		NumTotalClients:  len(c.perClient),
	}

	now := c.now()
	for _, at := range c.lastActive {
		if now.Sub(at) < activeWindow {
			s.NumActiveClients++
		}
	}

	if len(c.perClient) > 0 {
		first := true
		sum := 0
		for _, n := range c.perClient {
			sum += n
			if first || n < s.MinReqPerClient {
				s.MinReqPerClient = n
			}
			if first || n > s.MaxReqPerClient {
				s.MaxReqPerClient = n
			}
			first = false
		}
		s.AvgReqPerClient = float64(sum) / float64(len(c.perClient))
	}

	if len(c.intervals) > 0 {
		s.MinIntervalSec, s.MedIntervalSec, s.MaxIntervalSec = summarize(c.intervals)
		rates := make([]float64, 0, len(c.intervals))
		for _, v := range c.intervals {
			if v > 0 {
				rates = append(rates, 1/v)
			}
		}
		if len(rates) > 0 {
			s.MinReqPerSecond, s.MedReqPerSecond, s.MaxReqPerSecond = summarize(rates)
		}
	}
	return s
}

// summarize returns (min, median, max) of vals. vals is copied before
// sorting so the caller's ring order survives.
func summarize(vals []float64) (min, med, max float64) {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	min = sorted[0]
	max = sorted[len(sorted)-1]
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		med = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		med = sorted[mid]
	}
	return min, med, max
}
