package orchestrator

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ZoneStats counts task outcomes for one zone.
type ZoneStats struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Stats summarises orchestrator activity since start or the last reset.
type Stats struct {
	Since     time.Time            `json:"since"`
	Attempted int                  `json:"attempted"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Rejected  int                  `json:"rejected"`
	ZoneFull  int                  `json:"zone_full"`
	Retries   int                  `json:"grasp_retries"`
	Zones     map[string]ZoneStats `json:"zones"`
	Rejects   map[string]int       `json:"rejects"`
	Causes    map[string]int       `json:"causes"`

	// Completed-task durations in seconds.
	MeanTaskSeconds   float64 `json:"mean_task_seconds"`
	StdDevTaskSeconds float64 `json:"stddev_task_seconds"`
}

// statsCollector accumulates Stats. It has its own lock so API readers never
// wait on an in-flight task.
type statsCollector struct {
	mu        sync.Mutex
	since     time.Time
	zones     map[string]*ZoneStats
	rejects   map[string]int
	causes    map[string]int
	zoneFull  int
	retries   int
	durations []float64
}

func newStatsCollector(now time.Time) *statsCollector {
	c := &statsCollector{}
	c.reset(now)
	return c
}

func (c *statsCollector) reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.since = now
	c.zones = make(map[string]*ZoneStats)
	c.rejects = make(map[string]int)
	c.causes = make(map[string]int)
	c.zoneFull = 0
	c.retries = 0
	c.durations = nil
}

func (c *statsCollector) zone(id string) *ZoneStats {
	zs, ok := c.zones[id]
	if !ok {
		zs = &ZoneStats{}
		c.zones[id] = zs
	}
	return zs
}

func (c *statsCollector) attempted(zoneID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zone(zoneID).Attempted++
}

func (c *statsCollector) finished(r TaskReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	zs := c.zone(r.ZoneID)
	if r.GraspAttempts > 1 {
		c.retries += r.GraspAttempts - 1
	}
	if r.State == TaskCompleted {
		zs.Succeeded++
		c.durations = append(c.durations, r.Duration.Seconds())
		return
	}
	zs.Failed++
	c.causes[r.Cause]++
}

func (c *statsCollector) rejected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects[reason]++
}

func (c *statsCollector) zoneFullHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zoneFull++
}

func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Since:    c.since,
		ZoneFull: c.zoneFull,
		Retries:  c.retries,
		Zones:    make(map[string]ZoneStats, len(c.zones)),
		Rejects:  make(map[string]int, len(c.rejects)),
		Causes:   make(map[string]int, len(c.causes)),
	}
	for id, zs := range c.zones {
		s.Zones[id] = *zs
		s.Attempted += zs.Attempted
		s.Succeeded += zs.Succeeded
		s.Failed += zs.Failed
	}
	for k, v := range c.rejects {
		s.Rejects[k] = v
		s.Rejected += v
	}
	for k, v := range c.causes {
		s.Causes[k] = v
	}
	switch len(c.durations) {
	case 0:
	case 1:
		s.MeanTaskSeconds = c.durations[0]
	default:
		s.MeanTaskSeconds, s.StdDevTaskSeconds = stat.MeanStdDev(c.durations, nil)
	}
	return s
}
