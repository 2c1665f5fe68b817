package hlsout

import (
	"fmt"
	"strings"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
)

// BuildMediaPlaylist renders one Slot's live HLS media playlist, reading the slot's own ring
// buffer of pushed fragments and keying the init segment off the caps event.
func BuildMediaPlaylist(channelID, slotID string, s *slotState, keys *KeyService) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:7\n")
	sb.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDurationSeconds(s.targetDuration)))
	sb.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", s.mediaSequence))

	if key, ok := keys.Key(channelID); ok && len(key) > 0 {
		sb.WriteString(fmt.Sprintf("#EXT-X-KEY:METHOD=SAMPLE-AES,URI=%q\n", keyURI(channelID)))
	}

	if s.initURI != "" {
		sb.WriteString(fmt.Sprintf("#EXT-X-MAP:URI=%q\n", s.initURI))
	}

	for _, seg := range s.segments {
		if seg.discont {
			sb.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		sb.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.duration.Seconds()))
		sb.WriteString(seg.uri)
		sb.WriteString("\n")
	}

	if s.eos {
		sb.WriteString("#EXT-X-ENDLIST\n")
	}

	return sb.String(), nil
}

func targetDurationSeconds(d time.Duration) int {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// BuildMasterPlaylist renders the top-level HLS master playlist: one #EXT-X-STREAM-INF per video
// rendition (with AUDIO/SUBTITLES group association) plus one #EXT-X-MEDIA per audio/text
// rendition. There is one entry per Kind rather than per DASH representation, since this
// repackager exposes a single ABR-selected representation per Kind rather than every bitrate
// simultaneously.
func BuildMasterPlaylist(renditions []Rendition, slotIDs map[collab.Kind]string) (string, error) {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:7\n")

	const audioGroupID = "audio"
	const subtitleGroupID = "subtitles"

	hasAudio, hasText := false, false
	for _, r := range renditions {
		switch r.Kind {
		case collab.KindAudio:
			hasAudio = true
			id := slotIDs[collab.KindAudio]
			sb.WriteString(fmt.Sprintf("#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=%q,NAME=%q,DEFAULT=YES,AUTOSELECT=YES,LANGUAGE=%q,URI=\"%s/playlist.m3u8\"\n",
				audioGroupID, r.Language, r.Language, id))
		case collab.KindText:
			hasText = true
			id := slotIDs[collab.KindText]
			sb.WriteString(fmt.Sprintf("#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID=%q,NAME=%q,DEFAULT=NO,AUTOSELECT=YES,LANGUAGE=%q,URI=\"%s/playlist.m3u8\"\n",
				subtitleGroupID, r.Language, r.Language, id))
		}
	}

	for _, r := range renditions {
		if r.Kind != collab.KindVideo {
			continue
		}
		sb.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=%q", r.Bandwidth, r.Codecs))
		if r.Width > 0 && r.Height > 0 {
			sb.WriteString(fmt.Sprintf(",RESOLUTION=%dx%d", r.Width, r.Height))
		}
		if hasAudio {
			sb.WriteString(fmt.Sprintf(",AUDIO=%q", audioGroupID))
		}
		if hasText {
			sb.WriteString(fmt.Sprintf(",SUBTITLES=%q", subtitleGroupID))
		}
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s/playlist.m3u8\n", slotIDs[collab.KindVideo]))
	}

	return sb.String(), nil
}
