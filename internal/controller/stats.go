package controller

import (
	"sort"
	"time"
)

type statKey struct {
	component string
	method    string
}

type stat struct {
	calls     int
	successes int
	total     time.Duration
}

// Stat summarises the calls of one (component, method) pair.
type Stat struct {
	Component    string        `json:"component"`
	Method       string        `json:"method"`
	Calls        int           `json:"calls"`
	Successes    int           `json:"successes"`
	Failures     int           `json:"failures"`
	TotalLatency time.Duration `json:"total_latency"`
	MeanLatency  time.Duration `json:"mean_latency"`
	SuccessRate  float64       `json:"success_rate"`
}

func (c *Controller) record(component, method string, ok bool, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := statKey{component, method}
	s, found := c.stats[k]
	if !found {
		s = &stat{}
		c.stats[k] = s
	}
	s.calls++
	if ok {
		s.successes++
	}
	s.total += d
}

// Stats returns a snapshot of every pair called so far, sorted by component
// then method.
func (c *Controller) Stats() []Stat {
	c.mu.Lock()
	out := make([]Stat, 0, len(c.stats))
	for k, s := range c.stats {
		st := Stat{
			Component:    k.component,
			Method:       k.method,
			Calls:        s.calls,
			Successes:    s.successes,
			Failures:     s.calls - s.successes,
			TotalLatency: s.total,
		}
		if s.calls > 0 {
			st.MeanLatency = s.total / time.Duration(s.calls)
			st.SuccessRate = float64(s.successes) / float64(s.calls)
		}
		out = append(out, st)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Method < out[j].Method
	})
	return out
}
