// Package config loads the application's layered runtime settings (internal/config/config.go)
// and the per-channel manifest/key document (this file). Channel documents decode hex
// "kid:key" pairs and are driven through viper, so the same document can be supplied as JSON
// or YAML.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Channel is the final, processed configuration for one adaptive-streaming channel.
type Channel struct {
	Name        string
	Id          string
	ManifestURL string
	// Key is the processed decryption key, decoded from a hex "kid:key" string.
	Key []byte
}

// ChannelConfig holds the fully processed set of channels this instance serves.
type ChannelConfig struct {
	Name      string
	Id        string
	UserAgent string
	Channels  []Channel
}

// rawChannel mirrors the on-disk document shape before key processing.
type rawChannel struct {
	Name        string   `mapstructure:"name"`
	Id          string   `mapstructure:"id"`
	ManifestURL string   `mapstructure:"manifest"`
	Keys        []string `mapstructure:"keys"` // "kid:hexkey" entries; only the first is used, when non-empty.
}

// rawConfig mirrors the on-disk document shape for the whole channel list.
type rawConfig struct {
	Name      string       `mapstructure:"name"`
	Id        string       `mapstructure:"id"`
	UserAgent string       `mapstructure:"useragent"`
	Channels  []rawChannel `mapstructure:"channels"`
}

// LoadChannels reads and parses the channel document at path, accepting JSON or YAML (viper
// infers the format from the extension; an explicit format can be forced by the caller via
// viper.SetConfigType before calling LoadChannelsFromViper).
func LoadChannels(path string) (*ChannelConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read channel config %s: %w", path, err)
	}
	return LoadChannelsFromViper(v)
}

// LoadChannelsFromViper processes an already-populated viper instance into a ChannelConfig,
// decoding each channel's hex "kid:key" string into raw key bytes.
func LoadChannelsFromViper(v *viper.Viper) (*ChannelConfig, error) {
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal channel config: %w", err)
	}

	channels := make([]Channel, 0, len(raw.Channels))
	for _, rc := range raw.Channels {
		var keyBytes []byte
		if len(rc.Keys) > 0 && rc.Keys[0] != "" {
			parts := strings.SplitN(rc.Keys[0], ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("invalid key format for channel %q: expected \"kid:key\", got %q", rc.Id, rc.Keys[0])
			}
			var err error
			keyBytes, err = hex.DecodeString(parts[1])
			if err != nil {
				return nil, fmt.Errorf("decode hex key for channel %q: %w", rc.Id, err)
			}
		}
		channels = append(channels, Channel{
			Name:        rc.Name,
			Id:          rc.Id,
			ManifestURL: rc.ManifestURL,
			Key:         keyBytes,
		})
	}

	return &ChannelConfig{
		Name:      raw.Name,
		Id:        raw.Id,
		UserAgent: raw.UserAgent,
		Channels:  channels,
	}, nil
}

// KeysByChannel extracts the channelID -> key map internal/hlsout.KeyService needs, skipping
// channels that carry no decryption key (a channel may be served clear).
func (c *ChannelConfig) KeysByChannel() map[string][]byte {
	out := make(map[string][]byte, len(c.Channels))
	for _, ch := range c.Channels {
		if len(ch.Key) > 0 {
			out[ch.Id] = ch.Key
		}
	}
	return out
}
