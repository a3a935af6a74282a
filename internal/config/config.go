// Package config handles the loading and parsing of application configuration from environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cybersiliconforest/portalgun/internal/tunnelerr"
)

// AppConfig holds all configuration settings for the application.
type AppConfig struct {
	// --- Core Settings ---
	TunnelHost string // Public DNS suffix end-user requests arrive under (e.g. "tunnel.example.com").
	CtrlAddr   string // Address the control WebSocket HTTP server listens on.
	DataAddr   string // Address the public end-user TCP acceptor listens on.
	NetAddr    string // Address the internal gossip peer port listens on.

	// --- Authentication ---
	MasterSigKey    []byte // Symmetric/asymmetric signing key material, ephemeral if unset.
	OIDCDiscoveryURL string // OIDC discovery document URL. Optional; signed-token auth disabled if empty.
	OIDCAudience     string // Expected JWT audience (the OIDC client id).
	OIDCIssuer       string // Expected JWT issuer.
	PresetToken      string // Shared preset secret. Optional; preset auth disabled if empty.

	// --- Routing policy ---
	AllowedHosts      []string            // Additional base hosts tunnels may be created on, e.g. "baz.com" permits "*.baz.com".
	BlockedSubDomains map[string]struct{} // Subdomains rejected at hello and acceptor time.
	BlockedIPs        map[string]struct{} // Source IPs rejected at acceptor time.

	// --- Gossip fabric ---
	GossipDNSName   string // DNS name periodically resolved to peer instance addresses.
	GossipNameserver string // Resolver to query; empty uses 127.0.0.1:53.
	InstanceID      string // This instance's id, generated if unset.

	// --- Timeouts and Intervals ---
	HelloTimeout        time.Duration // Bound on the ClientHello handshake.
	PingTimeout         time.Duration // Control session heartbeat staleness bound.
	LingerWindow        time.Duration // Stream close linger window after client End.
	GossipTimeout       time.Duration // Per-query WhoHas fan-out bound.
	ShutdownTimeout     time.Duration // Graceful shutdown timeout.
	BackpressureTimeout time.Duration // Bound on a full outbound queue draining before its stream is closed.
	QueueSize           int           // Per-session outbound control queue depth.
}

// Load reads environment variables and populates the AppConfig struct.
// It sets sensible defaults for non-critical values.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		// --- Core Settings ---
		TunnelHost: getEnv("TUNNEL_HOST", ""),
		CtrlAddr:   getEnv("CTRL_PORT", ":8080"),
		DataAddr:   getEnv("PORT", ":8081"),
		NetAddr:    getEnv("NET_PORT", ":8082"),

		// --- Authentication ---
		OIDCDiscoveryURL: getEnv("OIDC_DISCOVERY_URL", ""),
		OIDCAudience:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		PresetToken:      getEnv("PRESET_TOKEN", ""),

		// --- Routing policy ---
		AllowedHosts:      toList(getEnv("ALLOWED_HOSTS", "")),
		BlockedSubDomains: toSet(getEnv("BLOCKED_SUB_DOMAINS", "")),
		BlockedIPs:        toSet(getEnv("BLOCKED_IPS", "")),

		// --- Gossip fabric ---
		GossipDNSName:    getEnv("GOSSIP_DNS_NAME", ""),
		GossipNameserver: getEnv("GOSSIP_NAMESERVER", ""),
		InstanceID:       getEnv("INSTANCE_ID", ""),

		// --- Timeouts and Intervals ---
		HelloTimeout:        getEnvAsDuration("HELLO_TIMEOUT", 10*time.Second),
		PingTimeout:         getEnvAsDuration("PING_TIMEOUT", 30*time.Second),
		LingerWindow:        getEnvAsDuration("LINGER_WINDOW", 2*time.Second),
		GossipTimeout:       getEnvAsDuration("GOSSIP_TIMEOUT", 500*time.Millisecond),
		ShutdownTimeout:     getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		BackpressureTimeout: getEnvAsDuration("BACKPRESSURE_TIMEOUT", 30*time.Second),
		QueueSize:           getEnvAsInt("CONTROL_QUEUE_SIZE", 1024),
	}

	key, err := loadOrGenerateSigKey()
	if err != nil {
		return nil, tunnelerr.Wrap(tunnelerr.KindConfig, "loading signing key", err)
	}
	cfg.MasterSigKey = key

	if cfg.InstanceID == "" {
		id, err := randomInstanceID()
		if err != nil {
			return nil, tunnelerr.Wrap(tunnelerr.KindConfig, "generating instance id", err)
		}
		cfg.InstanceID = id
	}

	if err := validateCriticalConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadOrGenerateSigKey reads MASTER_SIG_KEY as hex, or generates a
// fresh ephemeral key with a startup warning if unset — any client
// credential signed against an ephemeral key is invalidated across a
// process restart, which is acceptable for local/dev use but not for
// a durable deployment.
func loadOrGenerateSigKey() ([]byte, error) {
	raw := getEnv("MASTER_SIG_KEY", "")
	if raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, tunnelerr.Wrap(tunnelerr.KindConfig, "MASTER_SIG_KEY is not valid hex", err)
		}
		return key, nil
	}

	log.Printf("[config] MASTER_SIG_KEY not set; generating an ephemeral signing key for this process only")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating ephemeral signing key: %w", err)
	}
	return key, nil
}

func randomInstanceID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// validateCriticalConfig checks that essential configuration values are set.
func validateCriticalConfig(cfg *AppConfig) error {
	criticalVars := map[string]string{
		"TUNNEL_HOST": cfg.TunnelHost,
	}
	var missing []string
	for name, value := range criticalVars {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return tunnelerr.New(tunnelerr.KindConfig, fmt.Sprintf("missing critical environment variables: %s", strings.Join(missing, ", ")))
	}
	if cfg.OIDCDiscoveryURL == "" && cfg.PresetToken == "" {
		log.Printf("[config] neither OIDC_DISCOVERY_URL nor PRESET_TOKEN is set; only anonymous clients can connect")
	}
	return nil
}

// toSet splits a comma-separated environment value into a lookup set,
// skipping blank entries.
func toSet(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}

// toList splits a comma-separated environment value into an ordered
// slice, skipping blank entries. Used for ALLOWED_HOSTS, where
// multiple base hosts must each be tried in turn.
func toList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// --- Helper Functions for robust environment variable loading ---

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an integer environment variable or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration retrieves a time.Duration environment variable or returns a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	return defaultValue
}
