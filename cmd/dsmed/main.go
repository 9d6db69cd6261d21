// Package main — cmd/dsmed/main.go
//
// DSME (Device State Management Entity) daemon entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root.
//  2. Load and validate config from /etc/dsme/dsme.yaml.
//  3. Initialise structured logger (zap) and the bounded logging ring.
//  4. Open the CAL store (bbolt-backed).
//  5. Classify this boot (mode/reason from /proc/cmdline) and evaluate
//     the boot/watchdog-reset loop detector, persisting updated counters.
//     A detected loop forces the initial state to MALF regardless of
//     the classifier's normal result.
//  6. Construct the module kernel and load the built-in modules.
//  7. Start the Prometheus metrics server (127.0.0.1:9091).
//  8. Start the hardware watchdog kicker goroutine (real-time, locked
//     memory).
//  9. Start the IPHB broker and the heartbeat-driven periodic tasks
//     (process watchdog pings, disk monitor, thermal sampling, power-on
//     timer ticks).
// 10. Start the external message-bus socket and the operator socket.
// 11. Register SIGHUP handler for config hot-reload.
// 12. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Flush the power-on timer to CAL.
//  3. Close the CAL store.
//  4. Flush the logger.
//  5. Exit 0.
//
// On CAL open failure or config validation failure: exit 1 immediately.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vigilon/dsmed/internal/bootsel"
	"github.com/vigilon/dsmed/internal/bus"
	"github.com/vigilon/dsmed/internal/cal"
	"github.com/vigilon/dsmed/internal/config"
	"github.com/vigilon/dsmed/internal/diskmon"
	"github.com/vigilon/dsmed/internal/hwwd"
	"github.com/vigilon/dsmed/internal/iphb"
	"github.com/vigilon/dsmed/internal/logging"
	"github.com/vigilon/dsmed/internal/observability"
	"github.com/vigilon/dsmed/internal/operator"
	"github.com/vigilon/dsmed/internal/platform"
	"github.com/vigilon/dsmed/internal/poweron"
	"github.com/vigilon/dsmed/internal/processwd"
	"github.com/vigilon/dsmed/internal/socket"
	"github.com/vigilon/dsmed/internal/state"
	"github.com/vigilon/dsmed/internal/thermal"
)

func main() {
	configPath := flag.String("config", "/etc/dsme/dsme.yaml", "Path to dsme.yaml")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("dsmed %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: dsmed must run as root (UID 0)")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Build(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ring := logging.NewRing(log, cfg.Logging.RingSize)
	go ring.Run()
	defer ring.Stop()

	log.Info("dsmed starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_name", cfg.NodeName),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calStore, err := cal.Open(cfg.CAL.DBPath)
	if err != nil {
		log.Fatal("CAL store open failed", zap.Error(err), zap.String("path", cfg.CAL.DBPath))
	}
	defer calStore.Close() //nolint:errcheck
	log.Info("CAL store opened", zap.String("path", cfg.CAL.DBPath))

	initialState, bootMode, bootReason, err := bootsel.Classify(cfg.BootSelector.CmdlinePath)
	if err != nil {
		log.Warn("boot classification failed, defaulting to USER", zap.Error(err))
		initialState = state.User
	}

	prevCounters, err := bootsel.ReadCounters(cfg.BootSelector.CounterFile)
	if err != nil {
		log.Warn("reading boot counters failed, starting fresh", zap.Error(err))
	}
	detector := bootsel.LoopDetector{
		MaxBoots:       cfg.BootSelector.MaxBoots,
		MinBootTime:    cfg.BootSelector.MinBootTime,
		MaxWDResets:    cfg.BootSelector.MaxWDResets,
		MinWDResetTime: cfg.BootSelector.MinWDResetTime,
	}
	wasWDReset := bootReason == bootsel.ReasonWDReset || bootReason == bootsel.ReasonSWReset
	nextCounters, looped := detector.Evaluate(prevCounters, time.Now(), bootReason, wasWDReset)
	if err := bootsel.WriteCounters(cfg.BootSelector.CounterFile, nextCounters); err != nil {
		log.Warn("writing boot counters failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	metrics.BootsTotal.WithLabelValues(initialState.String()).Inc()

	if looped {
		log.Error("boot/watchdog-reset loop detected, forcing MALF",
			zap.Int("boots", nextCounters.Boots), zap.Int("wd_resets", nextCounters.WDResets))
		initialState = state.Malf
		metrics.RebootLoopDetectedTotal.Inc()
	}
	log.Info("boot classified",
		zap.String("mode", string(bootMode)), zap.String("reason", string(bootReason)),
		zap.String("state", initialState.String()))

	stateObs := stateObserver{metrics: metrics}
	machine := state.NewMachine(initialState, stateObs)

	k := bus.NewKernel(log)
	k.QueueDepthObserver = func(depth int) { metrics.BusQueueDepth.Set(float64(depth)) }

	driver := &busDriver{kernel: k}

	var kicker *hwwd.Kicker
	var pwRegistry *processwd.Registry

	if err := k.Load(&bus.Module{
		Name: "processwd-bridge",
		Handlers: map[bus.TypeID]bus.Handler{
			bus.TypeProcessWDPong: func(k *bus.Kernel, msg bus.Message) {
				name := string(msg.Extra)
				if err := pwRegistry.Pong(name); err != nil {
					log.Warn("PONG from unregistered process", zap.String("process", name))
				}
			},
			bus.TypeProcessWDManualPing: func(k *bus.Kernel, msg bus.Message) {
				name := string(msg.Extra)
				if pid, ok := decodePID(msg.Payload); ok {
					pwRegistry.Register(name, pid)
				}
			},
			bus.TypeProcessWDClose: func(k *bus.Kernel, msg bus.Message) {
				pwRegistry.Unregister(string(msg.Extra))
			},
			bus.TypeHWWDKickReq: func(k *bus.Kernel, msg bus.Message) {
				if kicker != nil {
					kicker.KickNow()
				}
			},
			bus.TypeLoggingVerbosity: func(k *bus.Kernel, msg bus.Message) {
				if b, ok := msg.Payload.([]byte); ok && len(b) > 0 {
					log.Info("log verbosity change requested", zap.Uint8("level", b[0]))
				}
			},
			bus.TypeChangeRunlevel: func(k *bus.Kernel, msg bus.Message) {
				target, ok := decodeState(msg.Payload)
				if !ok {
					return
				}
				if err := machine.Request(target); err != nil {
					log.Warn("runlevel change rejected", zap.Error(err))
					return
				}
				k.Broadcast(bus.Message{Type: bus.TypeStateChangeInd, Payload: target})
			},
			bus.TypeStateChangeReq: func(k *bus.Kernel, msg bus.Message) {
				target, ok := decodeState(msg.Payload)
				if !ok {
					return
				}
				if err := machine.Request(target); err != nil {
					log.Warn("state transition rejected", zap.Error(err))
					return
				}
				k.Broadcast(bus.Message{Type: bus.TypeStateChangeInd, Payload: target})
			},
		},
	}); err != nil {
		log.Fatal("failed to load bus module", zap.Error(err))
	}
	if err := k.InitAll(); err != nil {
		log.Fatal("bus module init failed", zap.Error(err))
	}
	defer k.FiniAll()

	metrics.BusMessagesTotal.WithLabelValues("startup").Inc()

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	hwwdObs := hwwdObserver{metrics: metrics}
	var hwwdDevices []hwwd.Device
	for _, d := range cfg.HWWD.Devices {
		hwwdDevices = append(hwwdDevices, hwwd.Device{Path: d.Path, TimeoutSeconds: d.TimeoutSeconds, DisableFlag: d.DisableFlag})
	}
	isDisabled := func(flag string) bool {
		disabled, err := calStore.GetRnDFlag(flag)
		if err != nil {
			log.Warn("reading r&d_mode flag failed, assuming not disabled", zap.String("flag", flag), zap.Error(err))
			return false
		}
		return disabled
	}
	kicker, err = hwwd.Open(log, hwwdDevices, isDisabled, hwwdObs)
	if err != nil {
		log.Fatal("hardware watchdog open failed", zap.Error(err))
	}
	defer kicker.Close()
	go kicker.Run(ctx, cfg.HWWD.KickPeriod)

	heartbeat := iphb.NewBroker(ctx)
	defer heartbeat.Stop()
	go reportIPHBDepth(ctx, heartbeat, metrics)

	pwObs := processWDObserver{metrics: metrics}
	pwRegistry = processwd.NewRegistry(cfg.ProcessWD.MaxPing, cfg.ProcessWD.KillTimeout, osKiller{}, pwObs)

	uptime, err := platform.ReadUptime("/proc/uptime")
	if err != nil {
		log.Warn("reading /proc/uptime failed, power-on accounting starts at zero", zap.Error(err))
	}
	poweronTimer, err := poweron.Load(calStore, uptime)
	if err != nil {
		log.Fatal("power-on timer load failed", zap.Error(err))
	}

	diskObs := diskObserver{metrics: metrics}
	var mounts []diskmon.Mount
	for _, m := range cfg.DiskMonitor.Mounts {
		mounts = append(mounts, diskmon.Mount{Path: m.Path, MaxPercent: m.MaxPercent})
	}
	diskMonitor := diskmon.NewMonitor(mounts, cfg.DiskMonitor.ReaperPath, cfg.DiskMonitor.ReaperUser, cfg.DiskMonitor.ReaperRefork, diskObs)

	thermalBattery := thermal.NewObject("battery", thermal.Thresholds{WarningC: 45, AlertC: 55, OverheatedC: 60})

	var wg sync.WaitGroup
	wg.Add(4)
	go runProcessWDLoop(ctx, &wg, heartbeat, cfg, pwRegistry, driver, log)
	go runDiskMonLoop(ctx, &wg, heartbeat, cfg, diskMonitor, driver, machine, cfg.BootSelector.ForceShutdownFile, log)
	go runThermalLoop(ctx, &wg, heartbeat, cfg, thermalBattery, driver, machine, cfg.BootSelector.ForceShutdownFile, metrics, log)
	go runPowerOnLoop(ctx, &wg, heartbeat, cfg, poweronTimer, metrics, log)

	busSocket := socket.NewServer(cfg.Socket.Path, log, driver)
	go func() {
		if err := busSocket.Serve(ctx); err != nil {
			log.Error("bus socket server error", zap.Error(err))
		}
	}()

	if cfg.Operator.Enabled {
		opHandler := &daemonOperatorHandler{kicker: kicker, heartbeat: heartbeat}
		opServer := operator.NewServer(cfg.Operator.SocketPath, log, opHandler)
		go func() {
			if err := opServer.Serve(ctx); err != nil {
				log.Error("operator socket server error", zap.Error(err))
			}
		}()
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config")
			if _, err := config.Load(*configPath); err != nil {
				log.Error("config hot-reload failed, retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload successful")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	finalUptime, err := platform.ReadUptime("/proc/uptime")
	if err == nil {
		if err := poweronTimer.Flush(finalUptime); err != nil {
			log.Warn("final power-on timer flush failed", zap.Error(err))
		}
	}

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout, forcing exit")
	case <-done:
		log.Info("all periodic loops drained")
	}

	log.Info("dsmed shutdown complete")
}

// busDriver serializes access to the bus.Kernel across the several
// goroutines that feed it messages (processwd, diskmon, thermal, the
// external socket acceptor). bus.Kernel itself assumes a single caller,
// matching the single-threaded cooperative dispatch model; busDriver is
// the daemon's analogue of the real event loop's single poller thread,
// using a mutex in place of epoll-driven readiness.
type busDriver struct {
	mu     sync.Mutex
	kernel *bus.Kernel
}

func (d *busDriver) Broadcast(msg bus.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernel.Broadcast(msg)
	d.kernel.Process()
}

func reportIPHBDepth(ctx context.Context, b *iphb.Broker, m *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.IPHBActiveSubscriptions.Set(float64(b.ActiveSubscriptions()))
		}
	}
}

func runProcessWDLoop(ctx context.Context, wg *sync.WaitGroup, b *iphb.Broker, cfg *config.Config, reg *processwd.Registry, driver *busDriver, log *zap.Logger) {
	defer wg.Done()
	for {
		if err := b.Wait(ctx, cfg.ProcessWD.MinInterval, cfg.ProcessWD.MaxInterval); err != nil {
			return
		}
		reg.PingAll(func(name string, pid int) {
			driver.Broadcast(bus.Message{Type: bus.TypeProcessWDPing, Payload: pid, Extra: []byte(name)})
		})
	}
}

func runDiskMonLoop(ctx context.Context, wg *sync.WaitGroup, b *iphb.Broker, cfg *config.Config, mon *diskmon.Monitor, driver *busDriver, machine *state.Machine, forceShutdownFile string, log *zap.Logger) {
	defer wg.Done()
	for {
		if err := b.Wait(ctx, cfg.DiskMonitor.MinInterval, cfg.DiskMonitor.MaxInterval); err != nil {
			return
		}
		mount, acted, err := mon.PollOnce()
		if err != nil {
			log.Warn("disk monitor poll failed", zap.Error(err))
			continue
		}
		if mount != "" {
			driver.Broadcast(bus.Message{Type: bus.TypeDiskSpace, Extra: []byte(mount)})
		}
		_ = acted
	}
}

func runThermalLoop(ctx context.Context, wg *sync.WaitGroup, b *iphb.Broker, cfg *config.Config, obj *thermal.Object, driver *busDriver, machine *state.Machine, forceShutdownFile string, metrics *observability.Metrics, log *zap.Logger) {
	defer wg.Done()
	for {
		if err := b.Wait(ctx, cfg.Thermal.MinInterval, cfg.Thermal.MaxInterval); err != nil {
			return
		}
		batteryC, err := readBatteryTemp()
		if err != nil {
			log.Warn("thermal sample failed", zap.Error(err))
			continue
		}
		surfaceC := thermal.SurfaceTempFromBattery(batteryC)
		status, changed := obj.Sample(surfaceC)
		metrics.ThermalSampleCelsius.WithLabelValues(obj.Name()).Set(surfaceC)
		metrics.ThermalStatus.WithLabelValues(obj.Name()).Set(float64(status))

		if changed {
			driver.Broadcast(bus.Message{Type: bus.TypeThermalStatus, Payload: status})
			if status == thermal.Overheated {
				if err := platform.WriteFileAtomic(forceShutdownFile, []byte("1\n"), 0644); err != nil {
					log.Warn("failed to write force_shutdown flag", zap.Error(err))
				} else {
					driver.mu.Lock()
					machine.ForceShutdown = true
					driver.mu.Unlock()
					driver.Broadcast(bus.Message{Type: bus.TypeThermalShutdownReq})
				}
			}
		}
	}
}

func runPowerOnLoop(ctx context.Context, wg *sync.WaitGroup, b *iphb.Broker, cfg *config.Config, timer *poweron.Timer, metrics *observability.Metrics, log *zap.Logger) {
	defer wg.Done()
	for {
		if err := b.Wait(ctx, cfg.PowerOn.MinInterval, cfg.PowerOn.MaxInterval); err != nil {
			return
		}
		uptime, err := platform.ReadUptime("/proc/uptime")
		if err != nil {
			log.Warn("reading uptime failed", zap.Error(err))
			continue
		}
		if _, err := timer.Tick(uptime); err != nil {
			log.Warn("power-on timer tick failed", zap.Error(err))
		}
		metrics.PowerOnSecondsTotal.Set(float64(timer.TotalSeconds(uptime)))
	}
}

// decodeState extracts a target state from a bus message payload that may
// arrive as a Go state.State (in-process messages) or as a single byte
// (messages bridged from the wire by internal/socket).
func decodeState(payload any) (state.State, bool) {
	switch v := payload.(type) {
	case state.State:
		return v, true
	case []byte:
		if len(v) < 1 {
			return 0, false
		}
		return state.State(v[0]), true
	default:
		return 0, false
	}
}

// decodePID extracts a PID from a bus message payload that may arrive
// either as a Go int (messages originated in-process) or as a 4-byte
// big-endian value (messages bridged from the wire by internal/socket).
func decodePID(payload any) (int, bool) {
	switch v := payload.(type) {
	case int:
		return v, true
	case []byte:
		if len(v) < 4 {
			return 0, false
		}
		return int(binary.BigEndian.Uint32(v[:4])), true
	default:
		return 0, false
	}
}

// readBatteryTemp reads the battery temperature in Celsius. On the real
// hardware this comes from a thermal sensor IPC transport that is out of
// scope here; this reads a plain sysfs millidegree file as the portable
// substitute.
func readBatteryTemp() (float64, error) {
	data, err := os.ReadFile("/sys/class/power_supply/battery/temp")
	if err != nil {
		return 0, fmt.Errorf("readBatteryTemp: %w", err)
	}
	var milliC int
	if _, err := fmt.Sscanf(string(data), "%d", &milliC); err != nil {
		return 0, fmt.Errorf("readBatteryTemp: parse: %w", err)
	}
	return float64(milliC) / 1000.0, nil
}

type stateObserver struct {
	metrics *observability.Metrics
}

func (o stateObserver) Transitioned(from, to state.State) {
	o.metrics.StateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
}

type hwwdObserver struct {
	metrics *observability.Metrics
}

func (o hwwdObserver) KickSucceeded(device string) { o.metrics.HWWDKicksTotal.WithLabelValues(device).Inc() }
func (o hwwdObserver) KickFailed(device string) {
	o.metrics.HWWDKickFailuresTotal.WithLabelValues(device).Inc()
}
func (o hwwdObserver) CycleLatency(d time.Duration) { o.metrics.HWWDKickLatencySeconds.Observe(d.Seconds()) }

type processWDObserver struct {
	metrics *observability.Metrics
}

func (o processWDObserver) Pinged(name string)  { o.metrics.ProcessWDPingsTotal.WithLabelValues(name).Inc() }
func (o processWDObserver) TimedOut(name string) { o.metrics.ProcessWDTimeoutsTotal.WithLabelValues(name).Inc() }
func (o processWDObserver) Killed(name string)   { o.metrics.ProcessWDKillsTotal.WithLabelValues(name).Inc() }

type diskObserver struct {
	metrics *observability.Metrics
}

func (o diskObserver) UsageSampled(mount string, percent int) {
	o.metrics.DiskUsagePercent.WithLabelValues(mount).Set(float64(percent))
}
func (o diskObserver) OverflowDetected(mount string) { o.metrics.DiskOverflowsTotal.WithLabelValues(mount).Inc() }
func (o diskObserver) ReaperSpawned()                { o.metrics.ReaperSpawnsTotal.Inc() }
func (o diskObserver) ReaperThrottled()              { o.metrics.ReaperThrottledTotal.Inc() }

type osKiller struct{}

func (osKiller) SendAbort(pid int) error { return syscall.Kill(pid, syscall.SIGABRT) }
func (osKiller) SendKill(pid int) error  { return syscall.Kill(pid, syscall.SIGKILL) }

type daemonOperatorHandler struct {
	kicker    *hwwd.Kicker
	heartbeat *iphb.Broker
}

func (h *daemonOperatorHandler) Status() string {
	return fmt.Sprintf("active_iphb_subscriptions=%d", h.heartbeat.ActiveSubscriptions())
}

func (h *daemonOperatorHandler) ForceKick() error {
	h.kicker.KickNow()
	return nil
}

// ForceWakeup acknowledges the command and does nothing else:
// iphb.Broker has no call that fires pending subscriptions early.
func (h *daemonOperatorHandler) ForceWakeup() error {
	return nil
}
