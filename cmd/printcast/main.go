package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"printcast/internal/audio"
	"printcast/internal/broadcast"
	"printcast/internal/config"
	"printcast/internal/encoder"
	"printcast/internal/logging"
	"printcast/internal/metrics"
	"printcast/internal/orchestrator"
	"printcast/internal/platform"
	"printcast/internal/printer"
	"printcast/internal/timelapse"
	"printcast/pkg/models"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "printcast",
		Short: "3D printer live stream and timelapse supervisor",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yml", "path to config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	root.AddCommand(runCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// envTokenSource hands out the platform access token resolved outside the
// supervisor (the OAuth broker exports it to the environment).
type envTokenSource struct{}

func (envTokenSource) Token(ctx context.Context) (string, error) {
	tok := os.Getenv("PRINTCAST_PLATFORM_TOKEN")
	if tok == "" {
		return "", fmt.Errorf("no platform token in environment")
	}
	return tok, nil
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting printcast", zap.String("version", version))

	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	printerClient := printer.NewClient(cfg.Printer.URL, cfg.Printer.SnapshotURL)
	poller := printer.NewPoller(printerClient,
		time.Duration(cfg.Printer.PollIntervalSeconds)*time.Second, log, m)

	supervisor, err := encoder.NewSupervisor("", log, m)
	if err != nil {
		return err
	}

	manager := platform.NewPollingManager(platform.PollingOptions{
		RequestsPerMinute: cfg.YouTube.Polling.RequestsPerMinute,
		CacheTTL:          time.Duration(cfg.YouTube.Polling.CacheDurationSeconds) * time.Second,
		BackoffMultiplier: cfg.YouTube.Polling.BackoffMultiplier,
		MaxJitter:         time.Duration(cfg.YouTube.Polling.MaxJitterSeconds) * time.Second,
	})
	platformClient := platform.NewClient(cfg.YouTube.APIBaseURL, envTokenSource{}, manager, log, m)
	records := platform.NewRecordStore(cfg.Records.Path, log)
	controller := broadcast.NewController(platformClient, records, log, manager.Jitter)

	var overlay *models.OverlayOptions
	if cfg.Overlay.Enabled {
		overlay = &models.OverlayOptions{
			FontFile:       cfg.Overlay.FontFile,
			FontSize:       cfg.Overlay.FontSize,
			FontColor:      cfg.Overlay.FontColor,
			Box:            cfg.Overlay.Box,
			BoxColor:       cfg.Overlay.BoxColor,
			BoxBorderWidth: cfg.Overlay.BoxBorderW,
			X:              cfg.Overlay.X,
			Y:              cfg.Overlay.Y,
			BannerFraction: cfg.Overlay.BannerFraction,
		}
	}

	audioSource := ""
	if cfg.Stream.Audio.UseAPIStream {
		audioSource = cfg.Stream.Audio.URL
	}

	stream := orchestrator.NewStreamOrchestrator(supervisor, controller, orchestrator.StreamOptions{
		Source:          cfg.Stream.Source,
		TargetFps:       cfg.Stream.TargetFps,
		BitrateKbps:     cfg.Stream.BitrateKbps,
		Overlay:         overlay,
		AudioSource:     audioSource,
		MixEnabled:      cfg.Stream.Mix.Enabled,
		ContextKey:      "print",
		WelcomeMessage:  cfg.YouTube.LiveBroadcast.WelcomeMessage,
		PlaylistName:    cfg.YouTube.Playlist.Name,
		PlaylistPrivacy: cfg.YouTube.Playlist.Privacy,
	}, log, m)
	supervisor.SetExitHandler(stream.OnEncoderExit)

	sessions := timelapse.NewManager(printerClient,
		cfg.Timelapse.OutputDir, cfg.Timelapse.FramesDir, cfg.Timelapse.Fps, log, m)

	printOrch := orchestrator.NewPrintOrchestrator(sessions, stream, nil, orchestrator.PrintOptions{
		OfflineGrace:        cfg.Timelapse.OfflineGracePeriod,
		IdleFinalizeDelay:   cfg.Timelapse.IdleFinalizeDelay,
		LastLayerOffset:     cfg.Timelapse.LastLayerOffset,
		LastLayerRemaining:  time.Duration(cfg.Timelapse.LastLayerRemainingSeconds) * time.Second,
		LastLayerProgress:   cfg.Timelapse.LastLayerProgressPercent,
		AutoBroadcast:       cfg.YouTube.LiveBroadcast.Enabled,
		EndStreamAfterPrint: cfg.YouTube.LiveBroadcast.EndStreamAfterPrint,
	}, log)
	unsubscribe := poller.Subscribe(printOrch)
	defer unsubscribe()

	if cfg.Audio.Enabled && cfg.Audio.Folder != "" {
		selector, err := audio.NewSelector(cfg.Audio.Folder, log)
		if err != nil {
			log.Warn("audio selector unavailable", zap.Error(err))
		} else {
			selector.SetTrackFinishedHandler(func() {
				stream.OnTrackFinished(ctx)
			})
			stream.SetTrackSource(selector)
		}
	}

	mixWatcher := orchestrator.NewMixWatcher(func() bool {
		return config.ReadMixEnabled(configPath)
	}, stream, supervisor, log)

	go poller.Run(ctx)
	go stream.RunHealthMonitor(ctx, 10*time.Second)
	go mixWatcher.Run(ctx)

	// Local-only encoder runs whenever no broadcast owns the destination.
	if cfg.Stream.Local.Enabled && cfg.Stream.Source != "" {
		if err := stream.StartLocal(); err != nil {
			log.Warn("failed to start local encoder", zap.Error(err))
		}
	}

	log.Info("printcast is online")
	<-stop
	log.Info("shutting down")
	cancel()
	supervisor.Stop()
	return nil
}
