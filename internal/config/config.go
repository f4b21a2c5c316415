package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultIdleTimeout             = 60 * time.Second
	DefaultMalformedFrameThreshold = 5
	DefaultOutboundQueueSize       = 256
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	TokenIssuer    string
	TokenAudience  string
	AllowedOrigins []string
	// IdleTimeout is how long a connection may go without any inbound
	// frame before it is force-closed.
	IdleTimeout time.Duration
	// MalformedFrameThreshold is the number of unparseable frames a
	// connection may send before it is closed with a protocol error.
	MalformedFrameThreshold int
	// OutboundQueueSize is the per-connection buffered event queue
	// capacity; deliveries beyond it are dropped.
	OutboundQueueSize int
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret, issuer, audience string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if issuer == "" {
		return nil, fmt.Errorf("token issuer cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:              serverAddr,
		DatabaseDSN:             databaseDSN,
		SigningKey:              signingKey,
		TokenIssuer:             issuer,
		TokenAudience:           audience,
		AllowedOrigins:          allowedOrigins,
		IdleTimeout:             DefaultIdleTimeout,
		MalformedFrameThreshold: DefaultMalformedFrameThreshold,
		OutboundQueueSize:       DefaultOutboundQueueSize,
	}, nil
}
