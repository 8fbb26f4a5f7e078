package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config carries everything the server needs at startup. The JWT secret and
// VAPID keys never live in config.json; they come from the environment or
// the keys directory next to the binary.
type Config struct {
	HTTPPort  string
	HTTPSPort string
	Domain    string

	DBPath string

	TURNEnabled bool
	TURNPort    int
	TURNRealm   string

	RingTimeout     time.Duration
	GroupTimeout    time.Duration
	MaxCallDuration time.Duration

	JWTSecret string
	VAPIDKeys *VAPIDKeys
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// fileConfig is the on-disk shape of config.json. Durations are in seconds
// so operators do not have to write Go duration strings.
type fileConfig struct {
	HTTPPort           string `json:"http_port"`
	HTTPSPort          string `json:"https_port"`
	Domain             string `json:"domain"`
	DBPath             string `json:"db_path"`
	TURNEnabled        *bool  `json:"turn_enabled"`
	TURNPort           int    `json:"turn_port"`
	TURNRealm          string `json:"turn_realm"`
	RingTimeoutSec     int    `json:"ring_timeout_sec"`
	GroupTimeoutSec    int    `json:"group_timeout_sec"`
	MaxCallDurationSec int    `json:"max_call_duration_sec"`
}

// Load reads config.json when present, fills the gaps from environment
// variables and defaults, and loads or generates the key material.
func Load() *Config {
	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		HTTPSPort:       getEnv("HTTPS_PORT", "8443"),
		Domain:          getEnv("DOMAIN", "localhost"),
		DBPath:          getEnv("DB_PATH", defaultDBPath()),
		TURNEnabled:     getEnv("TURN_ENABLED", "true") == "true",
		TURNPort:        getEnvInt("TURN_PORT", 3478),
		TURNRealm:       getEnv("TURN_REALM", "intercall"),
		RingTimeout:     getEnvDuration("RING_TIMEOUT_SEC", 30*time.Second),
		GroupTimeout:    getEnvDuration("GROUP_TIMEOUT_SEC", 30*time.Second),
		MaxCallDuration: getEnvDuration("MAX_CALL_DURATION_SEC", time.Hour),
	}

	if fc, err := loadFile(); err == nil {
		fmt.Println("configuration loaded from config.json")
		applyFile(cfg, fc)
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadOrGenerateVAPIDKeys()

	return cfg
}

// Save writes the non-secret part of the configuration back to config.json.
func Save(cfg *Config) error {
	fc := fileConfig{
		HTTPPort:           cfg.HTTPPort,
		HTTPSPort:          cfg.HTTPSPort,
		Domain:             cfg.Domain,
		DBPath:             cfg.DBPath,
		TURNEnabled:        &cfg.TURNEnabled,
		TURNPort:           cfg.TURNPort,
		TURNRealm:          cfg.TURNRealm,
		RingTimeoutSec:     int(cfg.RingTimeout / time.Second),
		GroupTimeoutSec:    int(cfg.GroupTimeout / time.Second),
		MaxCallDurationSec: int(cfg.MaxCallDuration / time.Second),
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configFilePath(), data, 0600); err != nil {
		return fmt.Errorf("write config.json: %w", err)
	}
	return nil
}

func loadFile() (*fileConfig, error) {
	data, err := os.ReadFile(configFilePath())
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &fc, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.HTTPPort != "" {
		cfg.HTTPPort = fc.HTTPPort
	}
	if fc.HTTPSPort != "" {
		cfg.HTTPSPort = fc.HTTPSPort
	}
	if fc.Domain != "" {
		cfg.Domain = fc.Domain
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.TURNEnabled != nil {
		cfg.TURNEnabled = *fc.TURNEnabled
	}
	if fc.TURNPort != 0 {
		cfg.TURNPort = fc.TURNPort
	}
	if fc.TURNRealm != "" {
		cfg.TURNRealm = fc.TURNRealm
	}
	if fc.RingTimeoutSec > 0 {
		cfg.RingTimeout = time.Duration(fc.RingTimeoutSec) * time.Second
	}
	if fc.GroupTimeoutSec > 0 {
		cfg.GroupTimeout = time.Duration(fc.GroupTimeoutSec) * time.Second
	}
	if fc.MaxCallDurationSec > 0 {
		cfg.MaxCallDuration = time.Duration(fc.MaxCallDurationSec) * time.Second
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultValue
}

func baseDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(execPath)
}

func configFilePath() string {
	return filepath.Join(baseDirectory(), "config.json")
}

// KeysDirectory is where the JWT secret, VAPID keys and TURN credentials
// live, next to the binary.
func KeysDirectory() string {
	return filepath.Join(baseDirectory(), "keys")
}

// CertsDirectory holds the autocert cache for Let's Encrypt certificates.
func CertsDirectory() string {
	return filepath.Join(baseDirectory(), "certs")
}

func defaultDBPath() string {
	return filepath.Join(baseDirectory(), "intercall.db")
}

func generateRandomSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	secretFile := filepath.Join(KeysDirectory(), "jwt-secret.key")
	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(KeysDirectory(), 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("warning: could not persist JWT secret: %v\n", err)
		}
	}
	return secret
}

// loadOrGenerateVAPIDKeys returns the web push signing keys. The private key
// is stored as the raw 32-byte P-256 scalar and the public key as the
// uncompressed 65-byte point, both base64url without padding; that is the
// format webpush-go and browsers expect.
func loadOrGenerateVAPIDKeys() *VAPIDKeys {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@intercall.app")

	if pub, priv := os.Getenv("VAPID_PUBLIC_KEY"), os.Getenv("VAPID_PRIVATE_KEY"); pub != "" && priv != "" {
		return &VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: subject}
	}

	keysDir := KeysDirectory()
	publicFile := filepath.Join(keysDir, "vapid-public.key")
	privateFile := filepath.Join(keysDir, "vapid-private.key")
	subjectFile := filepath.Join(keysDir, "vapid-subject.key")

	if pub, err := os.ReadFile(publicFile); err == nil {
		if priv, err := os.ReadFile(privateFile); err == nil {
			private := strings.TrimSpace(string(priv))
			if decoded, err := base64.RawURLEncoding.DecodeString(private); err == nil && len(decoded) == 32 {
				if subj, err := os.ReadFile(subjectFile); err == nil {
					subject = strings.TrimSpace(string(subj))
				}
				return &VAPIDKeys{
					PublicKey:  strings.TrimSpace(string(pub)),
					PrivateKey: private,
					Subject:    subject,
				}
			}
			// Wrong length or undecodable, likely a key from a different
			// encoder. Regenerate.
			fmt.Println("warning: stored VAPID private key is not a raw 32-byte scalar, regenerating")
			os.Remove(publicFile)
			os.Remove(privateFile)
			os.Remove(subjectFile)
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("generate VAPID keys: " + err.Error())
	}

	publicBytes := make([]byte, 65)
	publicBytes[0] = 0x04
	key.PublicKey.X.FillBytes(publicBytes[1:33])
	key.PublicKey.Y.FillBytes(publicBytes[33:65])

	privateBytes := make([]byte, 32)
	key.D.FillBytes(privateBytes)

	keys := &VAPIDKeys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicBytes),
		PrivateKey: base64.RawURLEncoding.EncodeToString(privateBytes),
		Subject:    subject,
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		os.WriteFile(publicFile, []byte(keys.PublicKey), 0600)
		os.WriteFile(privateFile, []byte(keys.PrivateKey), 0600)
		os.WriteFile(subjectFile, []byte(keys.Subject), 0600)
	} else {
		fmt.Printf("warning: could not persist VAPID keys: %v\n", err)
	}

	return keys
}
