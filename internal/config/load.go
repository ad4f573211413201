package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Parse decodes a TOML document into a Snapshot. It does not validate
// semantics; callers run Validate separately so lint can report both layers.
func Parse(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &s, nil
}

// Encode serializes a Snapshot back to TOML.
func Encode(s *Snapshot) ([]byte, error) {
	data, err := toml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// Load reads and parses the config file at path. A missing file yields
// Default() so a fresh deployment can start without one.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Etag fingerprints serialized config bytes. Byte-identical content always
// produces the same tag; any difference changes it.
func Etag(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ResolveToken returns the bot's token, reading the env indirection when the
// inline value is absent.
func (b *Bot) ResolveToken() string {
	if b.Token != "" {
		return b.Token
	}
	if b.TokenEnv != "" {
		return os.Getenv(b.TokenEnv)
	}
	return ""
}

// ResolveWebhookSecret returns the signing secret for this bot. Bots without
// a dedicated secret sign with their token.
func (b *Bot) ResolveWebhookSecret() string {
	if b.WebhookSecret != "" {
		return b.WebhookSecret
	}
	if b.WebhookSecretEnv != "" {
		if v := os.Getenv(b.WebhookSecretEnv); v != "" {
			return v
		}
	}
	return b.ResolveToken()
}
