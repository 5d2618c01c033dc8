package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
	"github.com/trutim/meshcall/pkg/telemetry"
	"github.com/trutim/meshcall/pkg/webrtc_ext"
	"gopkg.in/yaml.v3"
)

// Signaling backends.
const (
	BackendWebsocket = "websocket"
	BackendMatrix    = "matrix"
)

const maxNegotiationTimeout = 300

// Participant configuration.
type Config struct {
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
	// Signaling bus configuration.
	Signaling Signaling `yaml:"signaling"`
	// WebRTC (ICE) configuration.
	WebRTC webrtc_ext.Config `yaml:"webrtc"`
	// Call configuration.
	Call Call `yaml:"call"`
	// Tracing configuration.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type Signaling struct {
	// Either `websocket` or `matrix`.
	Backend   string                    `yaml:"backend"`
	Websocket signaling.WebsocketConfig `yaml:"websocket"`
	Matrix    signaling.MatrixConfig    `yaml:"matrix"`
}

type Call struct {
	// Seconds a peer may stay unconnected before its session is dropped. Zero disables it.
	NegotiationTimeout int `yaml:"negotiationTimeout"`
	// Size of the signaling and transport operation queues.
	QueueSize int `yaml:"queueSize"`
}

// The configuration of the peer sessions.
func (c Call) PeerConfig() peer.Config {
	return peer.Config{
		NegotiationTimeout: time.Duration(c.NegotiationTimeout) * time.Second,
		QueueSize:          c.QueueSize,
	}
}

// Creates the transport of the configured backend for a room. For Matrix, the
// room is the Matrix room ID.
func (s Signaling) NewTransport(room string, logger *logrus.Entry) (signaling.Transport, error) {
	switch s.Backend {
	case BackendWebsocket:
		return signaling.NewWebsocketTransport(s.Websocket, room, logger), nil
	case BackendMatrix:
		return signaling.NewMatrixTransport(s.Matrix, room, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown signaling backend %q", ErrInvalidConfig, s.Backend)
	}
}

// Parsed log level, `info` if unset.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}

	return level
}

var (
	// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
	ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")
	// ErrInvalidConfig is returned for a config with missing or out of range values.
	ErrInvalidConfig = errors.New("invalid config values")
)

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config could
// not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// Tries to load the config from environment variable (`CONFIG`).
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string.
// Returns an error if the string is not a valid YAML or if the values are invalid.
func LoadConfigFromString(configString string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	switch c.Signaling.Backend {
	case BackendWebsocket:
		if c.Signaling.Websocket.URL == "" {
			return fmt.Errorf("%w: websocket url is required", ErrInvalidConfig)
		}
	case BackendMatrix:
		matrix := c.Signaling.Matrix
		if matrix.UserID == "" || matrix.HomeserverURL == "" || matrix.AccessToken == "" {
			return fmt.Errorf("%w: matrix userId, homeserverUrl and accessToken are required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown signaling backend %q", ErrInvalidConfig, c.Signaling.Backend)
	}

	if c.Call.NegotiationTimeout < 0 || c.Call.NegotiationTimeout > maxNegotiationTimeout {
		return fmt.Errorf("%w: negotiationTimeout must be within [0, %d]", ErrInvalidConfig, maxNegotiationTimeout)
	}

	if c.Call.QueueSize < 0 {
		return fmt.Errorf("%w: queueSize must not be negative", ErrInvalidConfig)
	}

	for _, server := range c.WebRTC.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("%w: ICE server without urls", ErrInvalidConfig)
		}
	}

	return nil
}
