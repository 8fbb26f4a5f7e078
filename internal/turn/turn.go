package turn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/turn/v3"
)

const credentialUsername = "intercall"

// Server wraps an embedded TURN relay so callers behind symmetric NAT can
// still exchange media. Credentials are static and persisted next to the
// binary, matching how the signaling keys are stored.
type Server struct {
	relay    *turn.Server
	username string
	password string
	logger   *slog.Logger
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Start listens on the given UDP port and relays through the host's public
// address. When the public address cannot be discovered the local interface
// address is used, which is enough for LAN deployments.
func Start(port int, realm, keysDir string, logger *slog.Logger) (*Server, error) {
	listener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("turn: listen udp :%d: %w", port, err)
	}

	creds := loadOrGenerateCredentials(keysDir, logger)

	relayIP := discoverPublicIP(logger)
	if relayIP == nil {
		relayIP = discoverLocalIP(logger)
	}
	logger.Info("turn relay address selected", "ip", relayIP.String())

	relay, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(creds.Username, creds.Password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: listener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("turn: start server: %w", err)
	}

	logger.Info("turn server listening", "port", port, "realm", realm, "username", creds.Username)

	return &Server{
		relay:    relay,
		username: creds.Username,
		password: creds.Password,
		logger:   logger,
	}, nil
}

func (s *Server) Credentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

func (s *Server) Close() error {
	if s.relay != nil {
		return s.relay.Close()
	}
	return nil
}

func staticAuthHandler(expectedUsername, password string) turn.AuthHandler {
	return func(username, realm string, _ net.Addr) ([]byte, bool) {
		if username != expectedUsername {
			return nil, false
		}
		return turn.GenerateAuthKey(username, realm, password), true
	}
}

func loadOrGenerateCredentials(keysDir string, logger *slog.Logger) Credentials {
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	username, uerr := os.ReadFile(usernameFile)
	password, perr := os.ReadFile(passwordFile)
	if uerr == nil && perr == nil {
		return Credentials{
			Username: strings.TrimSpace(string(username)),
			Password: strings.TrimSpace(string(password)),
		}
	}

	secret := make([]byte, 16)
	rand.Read(secret)
	creds := Credentials{
		Username: credentialUsername,
		Password: hex.EncodeToString(secret),
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		os.WriteFile(usernameFile, []byte(creds.Username), 0600)
		os.WriteFile(passwordFile, []byte(creds.Password), 0600)
		logger.Info("turn credentials generated", "dir", keysDir)
	} else {
		logger.Warn("turn credentials not persisted", "dir", keysDir, "error", err)
	}

	return creds
}

func discoverPublicIP(logger *slog.Logger) net.IP {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Warn("public ip discovery failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("public ip discovery failed", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Warn("public ip discovery returned garbage", "body", string(body))
		return nil
	}
	return ip
}

// discoverLocalIP learns the outbound interface address by dialing out. No
// packet is actually sent for UDP.
func discoverLocalIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Warn("local ip discovery failed", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP
}
