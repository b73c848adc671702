package customerview

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("ACTIVE_VIEW_WINDOW", "90s")
	t.Setenv("DECODE_RATE_PER_MIN", "not-a-number")
	t.Setenv("ADVISOR_KEY_HASHES", " $2a$hash1 , ,$2a$hash2")
	t.Setenv("PDF_ENABLED", "false")

	cfg := LoadConfig()
	if cfg.StoreDriver != "sqlite" {
		t.Errorf("StoreDriver = %q", cfg.StoreDriver)
	}
	if cfg.ActiveViewWindow != 90*time.Second {
		t.Errorf("ActiveViewWindow = %v", cfg.ActiveViewWindow)
	}
	if cfg.DecodeRatePerMin != 60 {
		t.Errorf("invalid int should keep the default, got %d", cfg.DecodeRatePerMin)
	}
	if want := []string{"$2a$hash1", "$2a$hash2"}; !reflect.DeepEqual(cfg.AdvisorKeyHashes, want) {
		t.Errorf("AdvisorKeyHashes = %q, want %q", cfg.AdvisorKeyHashes, want)
	}
	if cfg.PDFEnabled {
		t.Errorf("PDFEnabled should be false")
	}
	if cfg.TokenSigner != "checksum" {
		t.Errorf("TokenSigner default = %q", cfg.TokenSigner)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "customer-view.yaml")
	data := "storeDriver: sqlite\nstorePath: /var/lib/cv.db\nactiveViewWindow: 2m\nadvisorKeyHashes:\n  - $2a$abc\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	base := Config{ListenAddr: ":9000", StoreDriver: "memory", ActiveViewWindow: time.Minute}
	cfg, err := LoadFile(path, base)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("unset key should keep base value, got %q", cfg.ListenAddr)
	}
	if cfg.StoreDriver != "sqlite" || cfg.StorePath != "/var/lib/cv.db" {
		t.Errorf("store settings = %q %q", cfg.StoreDriver, cfg.StorePath)
	}
	if cfg.ActiveViewWindow != 2*time.Minute {
		t.Errorf("ActiveViewWindow = %v", cfg.ActiveViewWindow)
	}
	if len(cfg.AdvisorKeyHashes) != 1 || cfg.AdvisorKeyHashes[0] != "$2a$abc" {
		t.Errorf("AdvisorKeyHashes = %q", cfg.AdvisorKeyHashes)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), base); err == nil {
		t.Fatalf("missing file should fail")
	}
}
