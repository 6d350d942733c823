package metrics

import (
	"time"

	"github.com/fleetmon/fleetmon/pkg/ssa"
	"github.com/fleetmon/fleetmon/pkg/types"
)

// Collector collects gauge metrics from the shared status area
type Collector struct {
	store  *ssa.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store *ssa.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	recs := c.store.Records()

	statusCounts := make(map[types.ConnectStatus]int)

	for i := range recs {
		r := &recs[i]
		if r.IsGroup() {
			continue
		}
		statusCounts[r.ConnectStatus]++

		SiteFilesPending.WithLabelValues(r.Alias).Set(float64(r.FilesPending))
		SiteBytesPending.WithLabelValues(r.Alias).Set(float64(r.BytesPending))
		SiteTransferRate.WithLabelValues(r.Alias).Set(float64(r.TransferRate))
		SiteActiveTransfers.WithLabelValues(r.Alias).Set(float64(r.ActiveTransfers))
	}

	for st := types.StatusOK; st <= types.StatusDisabled; st++ {
		SitesTotal.WithLabelValues(st.String()).Set(float64(statusCounts[st]))
	}
}
