package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// SecretKey is a 32-byte voice key supplied as hex.
type SecretKey []byte

// EnvDecode implements envconfig.Decoder.
func (k *SecretKey) EnvDecode(val string) error {
	b, err := hex.DecodeString(strings.TrimSpace(val))
	if err != nil {
		return fmt.Errorf("secret key is not hex: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("secret key must be 32 bytes, got %d", len(b))
	}
	*k = b
	return nil
}

// Interval is a duration given either as a bare number of milliseconds,
// the unit voice servers announce heartbeat intervals in, or as a Go
// duration string such as "5s".
type Interval time.Duration

// EnvDecode implements envconfig.Decoder.
func (i *Interval) EnvDecode(val string) error {
	val = strings.TrimSpace(val)
	if ms, err := strconv.ParseUint(val, 10, 32); err == nil {
		*i = Interval(time.Duration(ms) * time.Millisecond)
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("interval must be milliseconds or a duration: %w", err)
	}
	*i = Interval(d)
	return nil
}

func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

// VoiceConfig describes the voice server a session connects to and the
// key material negotiated for it.
type VoiceConfig struct {
	IP                string        `env:"VOICE_IP, required"`
	Port              uint16        `env:"VOICE_PORT, required"`
	SSRC              uint32        `env:"VOICE_SSRC, required"`
	HeartbeatInterval Interval      `env:"VOICE_HEARTBEAT_INTERVAL, default=5000"`
	ConnectTimeout    time.Duration `env:"VOICE_CONNECT_TIMEOUT, default=10s"`
	SecretKey         SecretKey     `env:"VOICE_SECRET_KEY, required"`
	CipherSuites      []string      `env:"VOICE_CIPHER_SUITES, default=aead_aes256_gcm_rtpsize,aead_xchacha20_poly1305_rtpsize"`
}

func NewVoiceConfigFromEnv() (*VoiceConfig, error) {
	var cfg VoiceConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("VOICE_PORT must be non-zero")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("VOICE_HEARTBEAT_INTERVAL must be positive, got %s", cfg.HeartbeatInterval.Duration())
	}
	return &cfg, nil
}
