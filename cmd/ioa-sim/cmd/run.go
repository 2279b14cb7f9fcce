package cmd

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-ioa"
	"github.com/ehrlich-b/go-ioa/backend"
	"github.com/ehrlich-b/go-ioa/internal/engine"
	"github.com/ehrlich-b/go-ioa/internal/logging"
	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/wire"
	"github.com/ehrlich-b/go-ioa/sim"
)

var faults = []string{
	"check", "bus-reset", "hang", "invalid-handle", "unit-check",
	"fatal", "hot-add", "hot-remove", "error-log", "reset",
}

var runFlags struct {
	disks       int
	diskSize    string
	ioSize      string
	workers     int
	duration    time.Duration
	ops         uint64
	opTimeout   time.Duration
	inject      []string
	injectEvery time.Duration
}

// counters of the workload itself, beside the engine metrics
type tally struct {
	ops        atomic.Uint64
	verified   atomic.Uint64
	skipped    atomic.Uint64
	rejected   atomic.Uint64
	injected   atomic.Uint64
	mismatches atomic.Uint64
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.IntVarP(&runFlags.disks, "disks", "d", 4, "number of simulated disks")
	f.StringVarP(&runFlags.diskSize, "disk-size", "s", "16MiB", "size of each disk")
	f.StringVar(&runFlags.ioSize, "io-size", "4KiB", "bytes per command")
	f.IntVarP(&runFlags.workers, "workers", "w", 8, "concurrent workers")
	f.DurationVarP(&runFlags.duration, "duration", "t", 5*time.Second, "how long to run (0 runs until --ops or interrupted)")
	f.Uint64VarP(&runFlags.ops, "ops", "n", 0, "stop after this many write/read pairs (0 for no limit)")
	f.DurationVar(&runFlags.opTimeout, "op-timeout", 2*time.Second, "abort a command that takes longer than this")
	f.StringSliceVarP(&runFlags.inject, "inject", "i", nil, fmt.Sprintf("faults to inject round-robin %v", faults))
	f.DurationVar(&runFlags.injectEvery, "inject-every", 250*time.Millisecond, "interval between injected faults")
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a verified read/write workload through a simulated adapter",
	Example: `  # four disks for ten seconds
  ioa-sim run -t 10s

  # keep resetting the adapter while I/O runs
  ioa-sim run -i hang,unit-check,hot-add,hot-remove,fatal`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range runFlags.inject {
			if !validFault(name) {
				return fmt.Errorf("unknown fault %q (want one of %v)", name, faults)
			}
		}
		if runFlags.workers <= 0 || runFlags.disks <= 0 {
			return fmt.Errorf("--workers and --disks must be positive")
		}
		ioSize, err := humanize.ParseBytes(runFlags.ioSize)
		if err != nil {
			return errors.Wrap(err, "bad --io-size")
		}
		if ioSize == 0 || ioSize%512 != 0 {
			return fmt.Errorf("--io-size must be a positive multiple of 512")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if runFlags.duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runFlags.duration)
			defer cancel()
		}

		return run(ctx, int(ioSize/512))
	},
}

func validFault(name string) bool {
	for _, f := range faults {
		if f == name {
			return true
		}
	}
	return false
}

func newDisk(target int) (ioa.ConfigEntry, *backend.Memory, error) {
	media, err := backend.ParseMemory(runFlags.diskSize)
	if err != nil {
		return ioa.ConfigEntry{}, nil, err
	}
	cfg := ioa.ConfigEntry{
		Addr:    ioa.ResAddr{Bus: uint8(target % 2), Target: uint8(target)},
		Vendor:  "IBM",
		Product: "SIMDISK",
		Serial:  uuid.NewString()[:8],
	}
	if target%2 == 0 {
		cfg.Flags = wire.ResFlagTCQ
	}
	return cfg, media, nil
}

func run(ctx context.Context, blocks int) error {
	log := logging.Default()

	s := sim.New(sim.Options{OperationalDelay: 5 * time.Millisecond})
	for i := 0; i < runFlags.disks; i++ {
		c, media, err := newDisk(i)
		if err != nil {
			return err
		}
		s.Insert(c, media)
	}

	reg := newRegistry(log)
	start := time.Now()
	a, err := ioa.Attach(ctx, s, engine.ParamsFromConfig(cfg), &ioa.Options{
		Presence: reg,
		LogSink:  reg,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	log.Info("adapter attached", "id", a.ID(), "took", time.Since(start).String(), "disks", len(a.Devices()))

	var t tally
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < runFlags.workers; w++ {
		w := w
		g.Go(func() error { return worker(gctx, a, reg, &t, w, blocks) })
	}
	if len(runFlags.inject) > 0 {
		g.Go(func() error { return injector(gctx, a, s, &t) })
	}
	werr := g.Wait()

	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Detach(dctx); err != nil {
		log.Error("detach did not finish", "error", err)
	}

	report(a, s, &t)
	if werr != nil && !errors.Is(werr, context.Canceled) && !errors.Is(werr, context.DeadlineExceeded) {
		return werr
	}
	if n := t.mismatches.Load(); n > 0 {
		return fmt.Errorf("%d reads returned data that differs from what was written", n)
	}
	return nil
}

// worker writes a pattern to its own slice of each disk and reads it back
func worker(ctx context.Context, a *ioa.Adapter, reg *registry, t *tally, id, blocks int) error {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	wbuf := make([]byte, blocks*512)
	rbuf := make([]byte, blocks*512)

	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return nil
		}
		if runFlags.ops > 0 && t.ops.Load() >= runFlags.ops {
			return nil
		}
		if a.State() == ioa.StateDead {
			return fmt.Errorf("adapter %s declared dead", a.ID())
		}

		disks := reg.list()
		if len(disks) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		d := disks[(id+i)%len(disks)]

		// Each worker owns one stripe of every disk
		stripe := d.cfg.BlockCount / uint64(runFlags.workers)
		if stripe < uint64(blocks) {
			return fmt.Errorf("disk %s too small for %d workers", d.cfg.Addr, runFlags.workers)
		}
		lba := uint64(id)*stripe + uint64(rnd.Int63n(int64(stripe-uint64(blocks)+1)))

		rnd.Read(wbuf)
		t.ops.Add(1)

		if !do(ctx, a, t, d, scsi.Write10CDB(uint32(lba), uint16(blocks)), ioa.DirToDevice, wbuf) {
			continue
		}
		clear(rbuf)
		if !do(ctx, a, t, d, scsi.Read10CDB(uint32(lba), uint16(blocks)), ioa.DirFromDevice, rbuf) {
			continue
		}
		if !bytes.Equal(wbuf, rbuf) {
			t.mismatches.Add(1)
			logging.Error("data mismatch", "addr", d.cfg.Addr.String(), "lba", lba, "blocks", blocks)
			continue
		}
		t.verified.Add(1)
	}
}

// do runs one command and reports whether it finished OK
func do(ctx context.Context, a *ioa.Adapter, t *tally, d *disk, cdb []byte, dir ioa.Direction, buf []byte) bool {
	octx, cancel := context.WithTimeout(ctx, runFlags.opTimeout)
	defer cancel()

	res, err := a.Do(octx, d, cdb, dir, buf)
	switch {
	case err == nil && res.Code == ioa.ResultOK:
		return true
	case err == nil:
		t.skipped.Add(1)
		logging.Debug("command did not complete", "addr", d.cfg.Addr.String(), "op", scsi.OpName(cdb[0]),
			"result", res.Code.String(), "sense", scsi.SenseKeyName(res.SenseKey))
	case ioa.IsCode(err, ioa.ErrCodeBusy), ioa.IsCode(err, ioa.ErrCodeNoDevice), ioa.IsCode(err, ioa.ErrCodeTimeout):
		t.rejected.Add(1)
		if ioa.IsCode(err, ioa.ErrCodeBusy) {
			time.Sleep(time.Millisecond)
		}
	default:
		t.rejected.Add(1)
		logging.Warn("command failed", "addr", d.cfg.Addr.String(), "error", err)
	}
	return false
}

// injector applies the requested faults round-robin
func injector(ctx context.Context, a *ioa.Adapter, s *sim.Sim, t *tally) error {
	tick := time.NewTicker(runFlags.injectEvery)
	defer tick.Stop()
	next := runFlags.disks

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		name := runFlags.inject[i%len(runFlags.inject)]
		devs := a.Devices()
		var victim ioa.ResAddr
		if len(devs) > 0 {
			victim = devs[i%len(devs)].Config.Addr
		}

		var err error
		switch name {
		case "check":
			err = s.CheckCondition(victim, scsi.SenseMediumError, scsi.AscReadError, 1)
		case "bus-reset":
			err = s.BusReset(victim)
		case "hang":
			s.HangDevice(scsi.Read10, 1)
		case "invalid-handle":
			s.PostInvalidHandle()
		case "unit-check":
			s.UnitCheck([]byte(fmt.Sprintf("ioa-sim dump %d", i)))
		case "fatal":
			s.Fatal()
		case "hot-add":
			if next > 0xff {
				continue
			}
			c, media, derr := newDisk(next)
			if derr != nil {
				return derr
			}
			next++
			s.HotAdd(c, media)
		case "hot-remove":
			// Keep one disk so the workload has somewhere to go
			if len(devs) < 2 {
				continue
			}
			err = s.HotRemove(devs[len(devs)-1].Config.Addr)
		case "error-log":
			s.LogError(ioa.ErrorLogEntry{IOASC: wire.IOASCHWFailure, Addr: victim, Detail: "ioa-sim injected"})
		case "reset":
			err = a.ResetAdapter(ctx, ioa.ShutdownNormal)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
		}
		if err != nil {
			logging.Warn("fault not injected", "fault", name, "error", err)
			continue
		}
		t.injected.Add(1)
		logging.Debug("fault injected", "fault", name, "victim", victim.String())
	}
}

func report(a *ioa.Adapter, s *sim.Sim, t *tally) {
	m := a.MetricsSnapshot()
	info := a.Info()
	st := s.Stats()

	fmt.Printf("adapter %s: %s after %s\n", info.ID, info.State, time.Duration(m.UptimeNs).Round(time.Millisecond))
	fmt.Printf("  pairs     %s issued, %s verified, %s incomplete, %s rejected\n",
		humanize.Comma(int64(t.ops.Load())), humanize.Comma(int64(t.verified.Load())),
		humanize.Comma(int64(t.skipped.Load())), humanize.Comma(int64(t.rejected.Load())))
	fmt.Printf("  reads     %s ops, %s (%s/s)\n",
		humanize.Comma(int64(m.ReadOps)), humanize.IBytes(m.ReadBytes), humanize.IBytes(uint64(m.ReadBandwidth)))
	fmt.Printf("  writes    %s ops, %s (%s/s)\n",
		humanize.Comma(int64(m.WriteOps)), humanize.IBytes(m.WriteBytes), humanize.IBytes(uint64(m.WriteBandwidth)))
	fmt.Printf("  latency   avg %s, p50 %s, p99 %s\n",
		time.Duration(m.AvgLatencyNs), time.Duration(m.LatencyP50Ns), time.Duration(m.LatencyP99Ns))
	fmt.Printf("  recovery  %d erp, %d bus resets, %d aborts (%d failed), %d device resets, %d adapter resets\n",
		m.ERPs, m.BusResets, m.Aborts, m.AbortFailures, m.DeviceResets, m.AdapterResets)
	fmt.Printf("  hcam      %d error log, %d config change\n", m.ErrorLogEvents, m.ConfigChangeEvents)
	fmt.Printf("  drain     max %d, avg %.1f\n", m.MaxDrain, m.AvgDrain)
	fmt.Printf("  faults    %d injected\n", t.injected.Load())
	fmt.Printf("  sim       %s submitted, %d self tests, %d shutdowns\n",
		humanize.Comma(int64(st.Submitted)), st.SelfTests, st.Shutdowns)
	if dump := a.LastDump(); dump != nil {
		fmt.Printf("  dump      %s captured\n", humanize.IBytes(uint64(len(dump))))
	}
	if t.mismatches.Load() > 0 {
		fmt.Printf("  MISMATCH  %d\n", t.mismatches.Load())
	}
}
