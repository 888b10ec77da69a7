package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.PeerID == "" {
		t.Fatalf("expected non-empty peer ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListeningPort != 0 {
		t.Fatalf("expected automatic mode listening port 0, got %d", firstCfg.ListeningPort)
	}
	if firstCfg.Codec != DefaultCodec || firstCfg.Profile != DefaultProfile || firstCfg.Contract != DefaultContract || firstCfg.Transport != TransportTCP {
		t.Fatalf("unexpected transfer defaults: %+v", firstCfg)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}
	for _, dir := range []string{"keys", "downloads"} {
		info, err := os.Stat(filepath.Join(tempDir, dir))
		if err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory to exist: %v", dir, err)
		}
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.PeerID != firstCfg.PeerID {
		t.Fatalf("expected stable peer ID, got %q then %q", firstCfg.PeerID, secondCfg.PeerID)
	}
	if secondCfg.StaticKeyPath != firstCfg.StaticKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.StaticKeyPath, secondCfg.StaticKeyPath)
	}
	if secondCfg.DownloadDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("unexpected download dir %q", secondCfg.DownloadDir)
	}
}

func TestLoadOrCreateNormalizesLegacyPortModeFromExistingPort(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &DeviceConfig{
		PeerID:        "legacy-peer",
		DeviceName:    "Legacy",
		ListeningPort: 9999,
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.ListeningPort != 9999 {
		t.Fatalf("expected legacy fixed listening port to be retained, got %d", cfg.ListeningPort)
	}
	if cfg.PeerID != "legacy-peer" {
		t.Fatalf("expected peer ID to be retained, got %q", cfg.PeerID)
	}
	if cfg.OpenTimeoutSeconds != DefaultOpenTimeoutSeconds {
		t.Fatalf("expected open timeout default, got %d", cfg.OpenTimeoutSeconds)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.Contract != DefaultContract || reloaded.Transport != TransportTCP || reloaded.StaticKeyPath == "" {
		t.Fatalf("expected normalized defaults to be persisted, got %+v", reloaded)
	}
}

func TestLoadOrCreateInIgnoresEnvironment(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())
	explicit := t.TempDir()

	_, path, err := LoadOrCreateIn(explicit)
	if err != nil {
		t.Fatalf("LoadOrCreateIn failed: %v", err)
	}
	if path != filepath.Join(explicit, "config.json") {
		t.Fatalf("expected config under %q, got %q", explicit, path)
	}
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestListenAddressAndOpenTimeout(t *testing.T) {
	cfg := &DeviceConfig{PortMode: PortModeFixed, ListeningPort: 4242, OpenTimeoutSeconds: 3}
	if got := cfg.ListenAddress(); got != ":4242" {
		t.Fatalf("expected :4242, got %q", got)
	}
	if got := cfg.OpenTimeout(); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}

	cfg.PortMode = PortModeAutomatic
	if got := cfg.ListenAddress(); got != ":0" {
		t.Fatalf("expected :0 in automatic mode, got %q", got)
	}
}
