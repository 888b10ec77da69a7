package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerdrop"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERDROP_DATA_DIR"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultCodec is the wire codec written into new configs.
	DefaultCodec = "json"
	// DefaultProfile lets the host pick its transfer tier.
	DefaultProfile = "auto"
	// DefaultContract is the transfer contract written into new configs.
	DefaultContract = "chunked"
	// TransportTCP carries the session over Noise-encrypted TCP.
	TransportTCP = "tcp"
	// TransportWebRTC carries the session over a WebRTC data channel, signaled over TCP.
	TransportWebRTC = "webrtc"
	// DefaultOpenTimeoutSeconds bounds channel establishment.
	DefaultOpenTimeoutSeconds = 10

	configFileName   = "config.json"
	keysDirName      = "keys"
	downloadsDirName = "downloads"
	staticKeyName    = "x25519_static.pem"
	fallbackName     = "peerdrop device"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	PeerID             string   `json:"peer_id"`
	DeviceName         string   `json:"device_name"`
	PortMode           string   `json:"port_mode"`
	ListeningPort      int      `json:"listening_port"`
	StaticKeyPath      string   `json:"static_key_path"`
	KeyFingerprint     string   `json:"key_fingerprint"`
	DownloadDir        string   `json:"download_dir"`
	Codec              string   `json:"codec"`
	Profile            string   `json:"profile"`
	Contract           string   `json:"contract"`
	Transport          string   `json:"transport"`
	ICEServers         []string `json:"ice_servers,omitempty"`
	OpenTimeoutSeconds int      `json:"open_timeout_seconds"`
}

// ListenAddress returns the TCP address to bind for the configured port mode.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// OpenTimeout returns the channel establishment bound as a duration.
func (c *DeviceConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, keysDirName),
		filepath.Join(dataDir, downloadsDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory and loads its config.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures directories and config exist under dataDir, then returns both.
func LoadOrCreateIn(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		PeerID:             uuid.NewString(),
		DeviceName:         hostDeviceName(),
		PortMode:           PortModeAutomatic,
		ListeningPort:      0,
		StaticKeyPath:      filepath.Join(dataDir, keysDirName, staticKeyName),
		DownloadDir:        filepath.Join(dataDir, downloadsDirName),
		Codec:              DefaultCodec,
		Profile:            DefaultProfile,
		Contract:           DefaultContract,
		Transport:          TransportTCP,
		OpenTimeoutSeconds: DefaultOpenTimeoutSeconds,
	}
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackName
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}

	setString(&cfg.PeerID, uuid.NewString())
	setString(&cfg.DeviceName, hostDeviceName())
	setString(&cfg.StaticKeyPath, filepath.Join(dataDir, keysDirName, staticKeyName))
	setString(&cfg.DownloadDir, filepath.Join(dataDir, downloadsDirName))
	setString(&cfg.Codec, DefaultCodec)
	setString(&cfg.Profile, DefaultProfile)
	setString(&cfg.Contract, DefaultContract)
	setString(&cfg.Transport, TransportTCP)

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.OpenTimeoutSeconds <= 0 {
		cfg.OpenTimeoutSeconds = DefaultOpenTimeoutSeconds
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
