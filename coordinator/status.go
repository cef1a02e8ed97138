package coordinator

import (
	"encoding/json"

	"github.com/slaclab/bsas/value"
)

// StatusDoc is the status table published once per second: one row per
// column, counters since the previous snapshot.
type StatusDoc struct {
	Instance string       `json:"instance"`
	Labels   []string     `json:"labels"`
	Value    StatusColumn `json:"value"`
	Seconds  uint32       `json:"secondsPastEpoch"`
	Nanos    uint32       `json:"nanoseconds"`
}

// StatusColumn holds the status table column arrays.
type StatusColumn struct {
	PV        []string `json:"PV"`
	Connected []bool   `json:"connected"`
	NEvent    []uint64 `json:"nEvent"`
	NBytes    []uint64 `json:"nBytes"`
	NDiscon   []uint64 `json:"nDiscon"`
	NError    []uint64 `json:"nError"`
	NOFlow    []uint64 `json:"nOFlow"`
}

func statusLabels() []string {
	return []string{"PV", "connected", "#Event", "#Bytes", "#Discon", "#Error", "#OFlow"}
}

// StatusSnapshot returns the most recently published status document.
func (c *Coordinator) StatusSnapshot() *StatusDoc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus
}

// publishStatus samples and zeroes every column's counters and publishes
// one status row per column. Runs on the handler goroutine.
func (c *Coordinator) publishStatus(changing bool) {
	c.mu.Lock()
	coll := c.coll
	c.mu.Unlock()
	if coll == nil {
		return
	}

	queues := coll.Queues()
	names := coll.Names()

	doc := &StatusDoc{
		Instance: c.instanceID,
		Labels:   statusLabels(),
		Value: StatusColumn{
			PV:        names,
			Connected: make([]bool, len(queues)),
			NEvent:    make([]uint64, len(queues)),
			NBytes:    make([]uint64, len(queues)),
			NDiscon:   make([]uint64, len(queues)),
			NError:    make([]uint64, len(queues)),
			NOFlow:    make([]uint64, len(queues)),
		},
	}
	doc.Seconds, doc.Nanos = nowStamp()
	doc.Seconds += value.PosixTimeAtEpicsEpoch

	for i, q := range queues {
		counters, connected := q.SnapshotAndZero()
		doc.Value.Connected[i] = connected
		doc.Value.NEvent[i] = counters.Updates
		doc.Value.NBytes[i] = counters.Bytes
		doc.Value.NDiscon[i] = counters.Disconnects
		doc.Value.NError[i] = counters.Errors
		doc.Value.NOFlow[i] = counters.Overflows
	}

	c.mu.Lock()
	c.lastStatus = doc
	c.mu.Unlock()

	conn := c.conn()
	if conn == nil {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		c.logger.Error("marshal status", "error", err)
		return
	}
	if err := conn.Publish(c.cfg.Prefix+".status", data); err != nil {
		c.logger.Warn("publish status", "error", err)
	}

	if changing {
		c.logger.Debug("status republished after signal change", "columns", len(names))
	}
}
