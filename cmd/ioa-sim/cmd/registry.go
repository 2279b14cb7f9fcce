package cmd

import (
	"sort"
	"sync"

	"github.com/ehrlich-b/go-ioa"
	"github.com/ehrlich-b/go-ioa/internal/logging"
)

// disk is a logical device announced by the engine
type disk struct {
	cfg ioa.ConfigEntry
}

func (d *disk) Addr() ioa.ResAddr { return d.cfg.Addr }

// registry tracks announced disks and logs adapter events
type registry struct {
	mu    sync.RWMutex
	disks map[ioa.ResAddr]*disk
	log   *logging.Logger
}

func newRegistry(log *logging.Logger) *registry {
	return &registry{disks: make(map[ioa.ResAddr]*disk), log: log}
}

func (r *registry) Announce(cfg ioa.ConfigEntry) (ioa.LogicalDevice, error) {
	d := &disk{cfg: cfg}
	r.mu.Lock()
	r.disks[cfg.Addr] = d
	r.mu.Unlock()
	r.log.Info("disk announced", "addr", cfg.Addr.String(), "product", cfg.Product, "blocks", cfg.BlockCount)
	return d, nil
}

func (r *registry) Withdraw(dev ioa.LogicalDevice) {
	r.mu.Lock()
	delete(r.disks, dev.Addr())
	r.mu.Unlock()
	r.log.Info("disk withdrawn", "addr", dev.Addr().String())
}

func (r *registry) BusReset(bus uint8) {
	r.log.Warn("bus reset", "bus", bus)
}

func (r *registry) LogError(e ioa.ErrorLogEntry) {
	r.log.Warn("adapter error log", "ioasc", e.IOASC, "detail", e.Detail)
}

// list returns the announced disks ordered by address
func (r *registry) list() []*disk {
	r.mu.RLock()
	out := make([]*disk, 0, len(r.disks))
	for _, d := range r.disks {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].cfg.Addr, out[j].cfg.Addr
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		return a.Target < b.Target
	})
	return out
}

var (
	_ ioa.Presence      = (*registry)(nil)
	_ ioa.LogSink       = (*registry)(nil)
	_ ioa.LogicalDevice = (*disk)(nil)
)
