package scheduler

import (
	"github.com/wolfeidau/bonsai-local/queue"
	"github.com/wolfeidau/bonsai-local/registry"
)

// QueueStats describes one stage queue.
type QueueStats struct {
	InFlight int `json:"in_flight"`
	Pending  int `json:"pending"`
	Capacity int `json:"capacity"`
}

// RegistryStats counts live entries.
type RegistryStats struct {
	Entries int            `json:"entries"`
	States  map[string]int `json:"states"`
}

// Stats is a point in time view of the pipeline.
type Stats struct {
	EngineVersion string        `json:"engine_version"`
	Workers       int           `json:"workers"`
	BusyWorkers   int           `json:"busy_workers"`
	ProveQueue    QueueStats    `json:"prove_queue"`
	SnarkQueue    QueueStats    `json:"snark_queue"`
	Sessions      RegistryStats `json:"sessions"`
	Snarks        RegistryStats `json:"snarks"`
}

// Stats reports queue depths and registry sizes.
func (s *Scheduler) Stats() Stats {
	return Stats{
		EngineVersion: s.gatekeeper.Installed().String(),
		Workers:       s.pool.Workers(),
		BusyWorkers:   s.pool.Busy(),
		ProveQueue:    queueStats(s.proveQueue),
		SnarkQueue:    queueStats(s.snarkQueue),
		Sessions:      registryStats(s.sessions.CountByState()),
		Snarks:        registryStats(s.snarks.CountByState()),
	}
}

func queueStats(q *queue.Queue) QueueStats {
	return QueueStats{InFlight: q.InFlight(), Pending: q.Pending(), Capacity: q.Cap()}
}

func registryStats(counts map[registry.State]int) RegistryStats {
	rs := RegistryStats{States: make(map[string]int, len(counts))}
	for state, n := range counts {
		rs.States[state.String()] = n
		rs.Entries += n
	}
	return rs
}
