package scheduler

import (
	"sort"
	"time"
)

// priorityValue maps a priority onto [0,1].
func priorityValue(p Priority) float64 {
	return float64(p) / float64(PriorityCritical)
}

// vftWeight is the fair-queue share of a priority: 1, 2, 4, 8, 16.
func vftWeight(p Priority) float64 {
	return float64(int(1) << p)
}

// preemptable[incoming] lists the running priorities incoming may preempt.
var preemptable = map[Priority]map[Priority]bool{
	PriorityCritical: {
		PriorityHigh:       true,
		PriorityNormal:     true,
		PriorityLow:        true,
		PriorityBackground: true,
	},
	PriorityHigh: {
		PriorityNormal:     true,
		PriorityLow:        true,
		PriorityBackground: true,
	},
}

// ShouldPreempt reports whether a queued task at incoming may preempt a
// running task at running. Only critical and high preempt, and only
// strictly lower priorities.
func ShouldPreempt(running, incoming Priority) bool {
	return preemptable[incoming][running]
}

// promote applies starvation promotion to every entry in q and returns how
// many entries moved up a level on this pass.
func (s *Scheduler) promote(q []*entry, now time.Time) int {
	promoted := 0
	threshold := s.cfg.StarvationThreshold
	for _, e := range q {
		if threshold <= 0 {
			e.effective = e.task.Priority
			continue
		}
		e.skipCount = int(now.Sub(e.enqueuedAt) / threshold)
		levels := 0
		if s.cfg.MaxSkipCount > 0 {
			levels = e.skipCount / s.cfg.MaxSkipCount
		}
		eff := min(PriorityCritical, e.task.Priority+Priority(levels))
		if eff > e.effective {
			promoted++
			s.logger.Debug("promoted starving task",
				"task_id", e.task.ID,
				"key", e.key(),
				"from", e.effective.String(),
				"to", eff.String(),
				"skip_count", e.skipCount,
			)
		}
		e.effective = eff
	}
	return promoted
}

// scoreQueue computes each entry's hybrid score. Higher dispatches first.
func (s *Scheduler) scoreQueue(q []*entry) map[*entry]float64 {
	scores := make(map[*entry]float64, len(q))
	if len(q) == 0 {
		return scores
	}

	var maxDur time.Duration
	vft := make(map[*entry]float64, len(q))
	minVFT, maxVFT := 0.0, 0.0
	for i, e := range q {
		maxDur = max(maxDur, e.task.Cost.EstimatedDuration)
		v := float64(e.enqueuedAt.UnixMilli()) + float64(e.task.Cost.EstimatedTokens)/vftWeight(e.effective)
		vft[e] = v
		if i == 0 || v < minVFT {
			minVFT = v
		}
		if i == 0 || v > maxVFT {
			maxVFT = v
		}
	}

	for _, e := range q {
		sjf := 1.0
		if maxDur > 0 {
			sjf = 1 - float64(e.task.Cost.EstimatedDuration)/float64(maxDur)
		}
		fq := 1.0
		if maxVFT > minVFT {
			fq = 1 - (vft[e]-minVFT)/(maxVFT-minVFT)
		}
		scores[e] = s.cfg.PriorityWeight*priorityValue(e.effective) +
			s.cfg.SJFWeight*sjf +
			s.cfg.FairQueueWeight*fq +
			s.cfg.StarvationWeight*float64(e.skipCount)
	}
	return scores
}

// sortQueue orders q best-first. Equal scores keep submission order.
func (s *Scheduler) sortQueue(q []*entry) map[*entry]float64 {
	scores := s.scoreQueue(q)
	sort.Slice(q, func(i, j int) bool {
		si, sj := scores[q[i]], scores[q[j]]
		if si != sj {
			return si > sj
		}
		return q[i].seq < q[j].seq
	})
	return scores
}
