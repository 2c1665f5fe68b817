// Command adaptivedemux2 runs one HTTP-served demuxer daemon: it loads a channel document, spins
// up one internal/demux.Presentation (DASH input, HLS output) per channel, and serves the result
// over internal/api, with flag parsing, runtime construction, and graceful shutdown wired
// through a cobra root command.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/api"
	"github.com/ericcug/adaptivedemux2/internal/bus"
	"github.com/ericcug/adaptivedemux2/internal/clock"
	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/config"
	"github.com/ericcug/adaptivedemux2/internal/dashformat"
	"github.com/ericcug/adaptivedemux2/internal/demux"
	"github.com/ericcug/adaptivedemux2/internal/hlsout"
	"github.com/ericcug/adaptivedemux2/internal/httpfetch"
	"github.com/ericcug/adaptivedemux2/internal/logger"
	"github.com/ericcug/adaptivedemux2/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adaptivedemux2",
		Short: "Multi-channel DASH-to-HLS adaptive streaming demuxer daemon",
	}
	v := config.BindFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(v)
	}
	return cmd
}

func run(v *viper.Viper) error {
	settings, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	log := logger.NewLogger(settings.LogLevel)
	log.Infof("starting adaptivedemux2 on %s", settings.ListenAddr)

	channelCfg, err := config.LoadChannels(settings.ChannelFile)
	if err != nil {
		return fmt.Errorf("load channel config: %w", err)
	}
	log.Infof("loaded %d channel(s) from %s", len(channelCfg.Channels), settings.ChannelFile)

	metrics := telemetry.New(prometheus.DefaultRegisterer)
	eventBus := bus.New()
	keys := hlsout.NewKeyService(channelCfg.KeysByChannel())
	clk := clock.New()

	deployment, err := newDeployment(channelCfg, settings, log, eventBus, keys, metrics, clk)
	if err != nil {
		return fmt.Errorf("build deployment: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := deployment.Start(ctx); err != nil {
		return fmt.Errorf("start deployment: %w", err)
	}

	router := api.New(deployment.apiChannels, keys, eventBus, log, settings.MetricsPath)
	server := &http.Server{Addr: settings.ListenAddr, Handler: router}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Infof("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	deployment.Stop()
	return server.Shutdown(shutdownCtx)
}

// channelRuntime is one channel's fully wired pipeline.
type channelRuntime struct {
	presentation *demux.Presentation
	consumer     *hlsout.Consumer
	collaborator *dashformat.Collaborator
}

// deployment owns every configured channel's runtime plus the shared ambient services.
type deployment struct {
	channels    map[string]*channelRuntime
	apiChannels map[string]*api.Channel
}

func newDeployment(cfg *config.ChannelConfig, settings config.Settings, log logger.Logger, eventBus *bus.Bus, keys *hlsout.KeyService, metrics *telemetry.Metrics, clk *clock.Clock) (*deployment, error) {
	d := &deployment{
		channels:    make(map[string]*channelRuntime),
		apiChannels: make(map[string]*api.Channel),
	}

	for _, ch := range cfg.Channels {
		downloader := httpfetch.New(httpfetch.WithDateCallback(clk.SetUTC))
		downloader.SetUserAgent(settings.UserAgent)

		collaborator := dashformat.New(ch.ManifestURL)
		consumer := hlsout.New(hlsout.Config{
			ChannelID: ch.Id,
			Logger:    log,
			Bus:       &channelBus{channelID: ch.Id, bus: eventBus},
			Keys:      keys,
		})

		presentation := demux.New(demux.Config{
			ID:           ch.Id,
			ManifestURL:  ch.ManifestURL,
			Collaborator: collaborator,
			Downloader:   downloader,
			Consumer:     consumer,
			Bus:          &channelBus{channelID: ch.Id, bus: eventBus},
			LiveEdgeLag:  3 * time.Second,
			OnGlobalOutput: func(pos time.Duration) {
				metrics.SetGlobalOutput(pos)
			},
			OnUnhealthy: func() {
				log.Warnf("channel %s: downstream unhealthy", ch.Id)
			},
			OnFatalError: func(streamID string, err error) {
				metrics.ObserveDownloadError(ch.Id, streamID, collab.ErrFragmentDownload)
				log.Errorf("channel %s: stream %s fatal: %v", ch.Id, streamID, err)
			},
			OnManifestError: func(err error) {
				log.Errorf("channel %s: manifest refresh failed: %v", ch.Id, err)
			},
		})

		d.channels[ch.Id] = &channelRuntime{presentation: presentation, consumer: consumer, collaborator: collaborator}
	}

	return d, nil
}

// Start parses every channel's initial manifest, starts its Presentation, and populates the API
// router's per-channel rendition/slot metadata (only available once the slot manager has
// assigned real slot IDs, which demux.Presentation.Start does synchronously before returning).
func (d *deployment) Start(ctx context.Context) error {
	for id, rt := range d.channels {
		if err := rt.presentation.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", id, err)
		}

		slotIDs := rt.presentation.SlotIDs()
		renditions := make([]hlsout.Rendition, 0, len(slotIDs))
		for kind := range slotIDs {
			renditions = append(renditions, hlsout.Rendition{Kind: kind})
		}

		d.apiChannels[id] = &api.Channel{
			Consumer:   rt.consumer,
			Renditions: renditions,
			SlotIDs:    slotIDs,
		}
	}
	return nil
}

// Stop halts every channel's Presentation and its hlsout.Consumer's cache eviction worker.
func (d *deployment) Stop() {
	for _, rt := range d.channels {
		rt.presentation.Stop()
		rt.consumer.Stop()
	}
}

// channelBus tags every bus event with its owning channel ID, implementing collab.BusSink over
// the shared bus.Bus.
type channelBus struct {
	channelID string
	bus       *bus.Bus
}

func (c *channelBus) Publish(kind string, payload any) {
	c.bus.PublishChannel(c.channelID, kind, payload)
}

var _ collab.BusSink = (*channelBus)(nil)
