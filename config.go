package secio

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/secio/framing"
	"github.com/postalsys/secio/internal/logging"
	"github.com/postalsys/secio/peerid"
)

// Supported algorithm propositions, most preferred first.
var (
	DefaultKeyAgreements = []string{"X25519", "P-256"}
	DefaultCiphers       = []string{"AES-256", "AES-128", "TwofishCTR"}
	DefaultDigests       = []string{"SHA256", "SHA512"}
)

// DefaultHandshakeTimeout bounds the whole handshake exchange.
const DefaultHandshakeTimeout = 10 * time.Second

// Config carries everything a handshake needs. The zero value is not
// usable; start from NewConfig.
type Config struct {
	// Key is the local secp256k1 identity.
	Key *KeyPair

	// MaxFrameLength bounds frames in both directions for the life of
	// the session. 0 selects the framing default (8 MiB).
	MaxFrameLength int

	// Proposal overrides, most preferred first. Empty slices select the
	// defaults.
	KeyAgreements []string
	Ciphers       []string
	Digests       []string

	// ExpectedPeer, when set, requires the remote identity to hash to
	// this peer ID.
	ExpectedPeer peerid.PeerID

	// HandshakeTimeout bounds the handshake. 0 selects the default.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// NewConfig returns a Config with defaults for the given identity.
func NewConfig(key *KeyPair) Config {
	return Config{
		Key:              key,
		MaxFrameLength:   framing.DefaultMaxFrameLength,
		KeyAgreements:    DefaultKeyAgreements,
		Ciphers:          DefaultCiphers,
		Digests:          DefaultDigests,
		HandshakeTimeout: DefaultHandshakeTimeout,
		Logger:           logging.NopLogger(),
	}
}

// fileConfig is the YAML shape of an on-disk configuration.
type fileConfig struct {
	SecretKey        string        `yaml:"secret_key"` // hex-encoded
	MaxFrameLength   int           `yaml:"max_frame_length"`
	KeyAgreements    []string      `yaml:"key_agreements"`
	Ciphers          []string      `yaml:"ciphers"`
	Digests          []string      `yaml:"digests"`
	ExpectedPeer     string        `yaml:"expected_peer"` // base58 peer ID
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadConfig reads a YAML configuration file. A missing secret key
// generates a fresh identity.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration document.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	var key *KeyPair
	if fc.SecretKey != "" {
		k, err := KeyPairFromHex(fc.SecretKey)
		if err != nil {
			return Config{}, fmt.Errorf("secret_key: %w", err)
		}
		key = k
	} else {
		k, err := GenerateKeyPair()
		if err != nil {
			return Config{}, err
		}
		key = k
	}

	cfg := NewConfig(key)
	if fc.MaxFrameLength > 0 {
		cfg.MaxFrameLength = fc.MaxFrameLength
	}
	if len(fc.KeyAgreements) > 0 {
		cfg.KeyAgreements = fc.KeyAgreements
	}
	if len(fc.Ciphers) > 0 {
		cfg.Ciphers = fc.Ciphers
	}
	if len(fc.Digests) > 0 {
		cfg.Digests = fc.Digests
	}
	if fc.ExpectedPeer != "" {
		p, err := peerid.FromBase58(fc.ExpectedPeer)
		if err != nil {
			return Config{}, fmt.Errorf("expected_peer: %w", err)
		}
		cfg.ExpectedPeer = p
	}
	if fc.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = fc.HandshakeTimeout
	}
	if fc.Log.Level != "" || fc.Log.Format != "" {
		cfg.Logger = logging.NewLogger(fc.Log.Level, fc.Log.Format)
	}

	return cfg, nil
}
