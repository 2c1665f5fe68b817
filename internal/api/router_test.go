package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/bus"
	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/hlsout"
	"github.com/ericcug/adaptivedemux2/internal/track"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (http.Handler, *bus.Bus) {
	t.Helper()
	consumer := hlsout.New(hlsout.Config{ChannelID: "ch1", MaxSegments: 3})
	t.Cleanup(consumer.Stop)
	consumer.Push("video-slot", track.Item{Kind: track.ItemBuffer, Data: []byte("frag"), RTStart: 0, RTEnd: 2 * time.Second})

	b := bus.New()
	channels := map[string]*Channel{
		"ch1": {
			Consumer:   consumer,
			Renditions: []hlsout.Rendition{{Kind: collab.KindVideo, Bandwidth: 1000000, Codecs: "avc1"}},
			SlotIDs:    map[collab.Kind]string{collab.KindVideo: "video-slot"},
		},
	}
	keys := hlsout.NewKeyService(nil)
	return New(channels, keys, b, nil, "/metrics"), b
}

func TestHandleMasterPlaylist(t *testing.T) {
	handler, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/live/ch1/master.m3u8", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "#EXT-X-STREAM-INF")
}

func TestHandleMasterPlaylistUnknownChannel(t *testing.T) {
	handler, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/live/missing/master.m3u8", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMediaPlaylist(t *testing.T) {
	handler, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/live/ch1/video-slot/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "#EXTM3U")
}

func TestHandleSegment(t *testing.T) {
	handler, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/live/ch1/video-slot/video-slot-0.m4s", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "frag", rec.Body.String())
}

func TestHandleKeyNotFoundWhenChannelUnencrypted(t *testing.T) {
	handler, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/channels/ch1/key", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleEventsStreamsPublishedNotifications(t *testing.T) {
	handler, b := newTestAPI(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	b.Publish("stream-collection", "video-slot")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got bus.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "stream-collection", got.Kind)
}
