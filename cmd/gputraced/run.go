package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orbitlike/gputrace/gputrack"
	"github.com/orbitlike/gputrace/intern"
	"github.com/orbitlike/gputrace/internal/config"
	"github.com/orbitlike/gputrace/internal/grpc"
	"github.com/orbitlike/gputrace/merger"
	"github.com/orbitlike/gputrace/pkg/logutil"
	"github.com/orbitlike/gputrace/pkg/metrics"
	"github.com/orbitlike/gputrace/perfstream"
	"github.com/orbitlike/gputrace/sink"
	"github.com/orbitlike/gputrace/vkshim"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the merger, GPU span tracker maintenance loop, and exporter",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logutil.InitLogger()
	logger := logutil.GetLogger()
	defer logger.Sync()

	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigch
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("loading config", zap.Error(err))
		return err
	}

	go func() {
		logger.Info("serving metrics", zap.String("address", cfg.MetricsAddress))
		if err := metrics.ListenAndServe(cfg.MetricsAddress); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// The graphics-API interception shim that would call into the
	// Tracker from inside a traced process is an external collaborator;
	// vkshim's simulated dispatcher stands in for it so this daemon
	// stays runnable without real hardware.
	dispatcher := vkshim.NewSimulatedDispatcher(2 * time.Millisecond)
	deviceProps := vkshim.StaticClockOffsetProperties{}
	slotPool := gputrack.NewSlotPool(dispatcher, cfg.NumLogicalSlots, cfg.ResetBatchThreshold)
	isCapturing := func() bool { return true }
	interner := intern.New()

	visitor := sink.NewExportVisitor()
	exportSink := sink.NewExportSink(interner)

	tracker := gputrack.NewTracker(dispatcher, slotPool, deviceProps, isCapturing, interner, exportSink, uuid.New())
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Error("closing tracker", zap.Error(err))
		}
	}()

	go runTrackerMaintenance(ctx, tracker, slotPool, cfg.BatchWindow, cfg.NodeName, logger)

	m := merger.New(uint64(cfg.LatenessWindow))
	m.AddVisitor(visitor)

	pump := perfstream.NewPump(m, cfg.LatenessWindow, cfg.NodeName)
	// Ring-buffer sources are registered here once a real eBPF loader
	// supplies a *ringbuf.Reader per stream; that loader is the same
	// external collaborator the graphics shim is, so none are
	// registered by default.

	client, err := grpc.NewClient(cfg.CollectorAddress, cfg.CollectorPort)
	if err != nil {
		logger.Error("dialing collector", zap.Error(err))
		return err
	}
	defer client.Close()

	batcher := sink.NewBatcher(cfg.NodeName, cfg.BatchWindow, visitor, exportSink, interner)
	batches := batcher.Run(ctx)

	go pump.Run(ctx)

	logger.Info("gputraced running", zap.String("node", cfg.NodeName))
	return client.Run(ctx, batches)
}

// runTrackerMaintenance periodically completes pending GPU submissions
// and drains any slots batched up for a hardware reset, mirroring the
// ticker-driven flush loops in perfstream.Pump.Run and sink.Batcher.Run.
// Without it, slots that never cross the reset-batch threshold on their
// own stay parked in SlotPendingHWReset and submissions that finished on
// the GPU are never read back. Each tick also exports the slot pool's
// current state and the running emitted/exhausted totals.
//
// CompleteSubmits and MaintenanceReset only ever fail with a
// *gputrack.Fault: a non-success query read, or slot-pool bookkeeping
// gone wrong. Both are invariant violations the tracker cannot recover
// from, so a Fault here is logged and followed by logger.Fatal rather
// than looped past.
func runTrackerMaintenance(ctx context.Context, tracker *gputrack.Tracker, slotPool *gputrack.SlotPool, interval time.Duration, nodeName string, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastEmitted := make(map[gputrack.Device]uint64)
	lastExhausted := make(map[gputrack.Device]uint64)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, device := range tracker.Devices() {
				deviceLabel := strconv.FormatUint(uint64(device), 10)

				if err := tracker.CompleteSubmits(device); err != nil {
					var fault *gputrack.Fault
					if errors.As(err, &fault) {
						logger.Fatal("invariant violation completing GPU submits", zap.String("device", deviceLabel), zap.Error(err))
					}
					logger.Error("completing GPU submits", zap.String("device", deviceLabel), zap.Error(err))
				}
				if err := slotPool.MaintenanceReset(device); err != nil {
					var fault *gputrack.Fault
					if errors.As(err, &fault) {
						logger.Fatal("invariant violation in maintenance reset", zap.String("device", deviceLabel), zap.Error(err))
					}
					logger.Error("maintenance reset", zap.String("device", deviceLabel), zap.Error(err))
				}

				snap := slotPool.Snapshot(device)
				metrics.SlotPoolReady.WithLabelValues(nodeName, deviceLabel).Set(float64(snap.Ready))
				metrics.SlotPoolPendingOnGPU.WithLabelValues(nodeName, deviceLabel).Set(float64(snap.PendingOnGPU))

				if emitted := tracker.SubmissionsEmitted(device); emitted > lastEmitted[device] {
					metrics.SubmissionsEmitted.WithLabelValues(nodeName, deviceLabel).Add(float64(emitted - lastEmitted[device]))
					lastEmitted[device] = emitted
				}
				if exhausted := slotPool.ExhaustedCount(device); exhausted > lastExhausted[device] {
					metrics.SlotPoolExhausted.WithLabelValues(nodeName, deviceLabel).Add(float64(exhausted - lastExhausted[device]))
					lastExhausted[device] = exhausted
				}
			}
		}
	}
}
