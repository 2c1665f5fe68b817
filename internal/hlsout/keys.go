package hlsout

import "fmt"

// KeyService hands out per-channel content decryption keys for the SAMPLE-AES HLS key tag. It
// loads once at startup and is read-only after that, keyed by a plain map so internal/hlsout
// does not need to import internal/config.
type KeyService struct {
	keysByChannel map[string][]byte
}

// NewKeyService builds a KeyService from a channelID -> raw key map.
func NewKeyService(keysByChannel map[string][]byte) *KeyService {
	cp := make(map[string][]byte, len(keysByChannel))
	for id, key := range keysByChannel {
		cp[id] = key
	}
	return &KeyService{keysByChannel: cp}
}

// Key returns the raw decryption key for a channel, and whether one is configured.
func (s *KeyService) Key(channelID string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	key, ok := s.keysByChannel[channelID]
	return key, ok
}

// keyURI is the path the API router serves a channel's key under.
func keyURI(channelID string) string {
	return fmt.Sprintf("/channels/%s/key", channelID)
}
