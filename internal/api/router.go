// Package api is the HTTP surface of the demuxer daemon: HLS master/media playlists, fragment
// delivery, per-channel key delivery, a websocket feed of internal/bus notifications, and a
// Prometheus scrape endpoint. Routing is built on go-chi/chi for named-parameter routes and
// middleware composition, with one playlist per Slot/Kind to match internal/hlsout.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/bus"
	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/hlsout"
	"github.com/ericcug/adaptivedemux2/internal/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Channel bundles one served channel's output surface: its HLS repackager, the master-playlist
// metadata, and the Kind -> slot ID map the repackager assigned.
type Channel struct {
	Consumer   *hlsout.Consumer
	Renditions []hlsout.Rendition
	SlotIDs    map[collab.Kind]string
}

// API is the router's handler state.
type API struct {
	channels map[string]*Channel
	keys     *hlsout.KeyService
	bus      *bus.Bus
	log      logger.Logger

	upgrader websocket.Upgrader
}

// New builds the chi router for the given channel set. metricsPath is where promhttp.Handler is
// mounted; an empty string defaults to "/metrics".
func New(channels map[string]*Channel, keys *hlsout.KeyService, busSink *bus.Bus, log logger.Logger, metricsPath string) http.Handler {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	a := &API{
		channels: channels,
		keys:     keys,
		bus:      busSink,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/live/{channelID}/master.m3u8", a.handleMasterPlaylist)
	r.Get("/live/{channelID}/{slotID}/playlist.m3u8", a.handleMediaPlaylist)
	r.Get("/live/{channelID}/{slotID}/{filename}", a.handleSegment)
	r.Get("/channels/{channelID}/key", a.handleKey)
	r.Get("/events", a.handleEvents)
	r.Handle(metricsPath, promhttp.Handler())

	return r
}

func (a *API) channel(w http.ResponseWriter, channelID string) *Channel {
	ch, ok := a.channels[channelID]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown channel %q", channelID), http.StatusNotFound)
		return nil
	}
	return ch
}

func (a *API) handleMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	ch := a.channel(w, chi.URLParam(r, "channelID"))
	if ch == nil {
		return
	}
	playlist, err := ch.Consumer.MasterPlaylist(ch.Renditions, ch.SlotIDs)
	if err != nil {
		http.Error(w, fmt.Sprintf("generate master playlist: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write([]byte(playlist))
}

func (a *API) handleMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	ch := a.channel(w, chi.URLParam(r, "channelID"))
	if ch == nil {
		return
	}
	playlist, err := ch.Consumer.MediaPlaylist(chi.URLParam(r, "slotID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("generate media playlist: %v", err), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write([]byte(playlist))
}

func (a *API) handleSegment(w http.ResponseWriter, r *http.Request) {
	ch := a.channel(w, chi.URLParam(r, "channelID"))
	if ch == nil {
		return
	}
	data, found := ch.Consumer.SegmentData(chi.URLParam(r, "slotID"), chi.URLParam(r, "filename"))
	if !found {
		http.Error(w, "segment not found in cache", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	_, _ = w.Write(data)
}

func (a *API) handleKey(w http.ResponseWriter, r *http.Request) {
	key, found := a.keys.Key(chi.URLParam(r, "channelID"))
	if !found {
		http.Error(w, "key not found for the given channel", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(key)
}

// handleEvents upgrades the request to a websocket and streams internal/bus notifications
// until the client disconnects.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if a.log != nil {
			a.log.Warnf("websocket upgrade failed: %v", err)
		}
		return
	}
	defer conn.Close()

	events, unsubscribe := a.bus.Subscribe()
	defer unsubscribe()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
