package customerview

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for storage, tokens, the
// timeline feed and the advisor surface.
type Config struct {
	ListenAddr   string `yaml:"listenAddr"`
	PublicOrigin string `yaml:"publicOrigin"`

	StoreDriver string `yaml:"storeDriver"`
	StorePath   string `yaml:"storePath"`

	TokenSigner string `yaml:"tokenSigner"`
	TokenSecret string `yaml:"tokenSecret"`

	ResolveURL     string        `yaml:"resolveInvTokenUrl"`
	ResolveTimeout time.Duration `yaml:"resolveTimeout"`

	TimelineURL     string `yaml:"timelineApiUrl"`
	TimelineWorkers int    `yaml:"timelineWorkers"`

	ActiveViewWindow time.Duration `yaml:"activeViewWindow"`
	DecodeRatePerMin int           `yaml:"decodeRatePerMin"`
	AdvisorKeyHashes []string      `yaml:"advisorKeyHashes"`

	// AdvisorAuthDisabled opens the advisor routes when no key hashes are
	// configured. Local development only.
	AdvisorAuthDisabled bool `yaml:"advisorAuthDisabled"`
	// TrustedProxies lists the IPs or CIDRs whose forwarding headers are
	// believed.
	TrustedProxies []string `yaml:"trustedProxies"`

	MaxApprovalItems  int `yaml:"maxApprovalItems"`
	MaxDescription    int `yaml:"maxDescription"`
	MaxSignatureBytes int `yaml:"maxSignatureBytes"`

	PDFEnabled      bool          `yaml:"pdfEnabled"`
	PDFChromiumPath string        `yaml:"pdfChromiumPath"`
	PDFTimeout      time.Duration `yaml:"pdfTimeout"`
	PDFTimeZone     string        `yaml:"pdfTimeZone"`
}

func LoadConfig() Config {
	return Config{
		ListenAddr:          getenv("LISTEN_ADDR", ":8080"),
		PublicOrigin:        getenv("PUBLIC_ORIGIN", "http://localhost:8080"),
		StoreDriver:         getenv("STORE_DRIVER", "memory"),
		StorePath:           getenv("STORE_PATH", "customerview.db"),
		TokenSigner:         getenv("TOKEN_SIGNER", "checksum"),
		TokenSecret:         getenv("TOKEN_SECRET", ""),
		ResolveURL:          getenv("RESOLVE_INV_TOKEN_URL", ""),
		ResolveTimeout:      getDuration("RESOLVE_TIMEOUT", 5*time.Second),
		TimelineURL:         getenv("TIMELINE_API_URL", ""),
		TimelineWorkers:     getInt("TIMELINE_WORKERS", 2),
		ActiveViewWindow:    getDuration("ACTIVE_VIEW_WINDOW", 5*time.Minute),
		DecodeRatePerMin:    getInt("DECODE_RATE_PER_MIN", 60),
		AdvisorKeyHashes:    getList("ADVISOR_KEY_HASHES"),
		AdvisorAuthDisabled: getBool("ADVISOR_AUTH_DISABLED", false),
		TrustedProxies:      getList("TRUSTED_PROXIES"),
		MaxApprovalItems:    getInt("MAX_APPROVAL_ITEMS", 200),
		MaxDescription:      getInt("MAX_DESCRIPTION_LEN", 500),
		MaxSignatureBytes:   getInt("MAX_SIGNATURE_BYTES", 512*1024),
		PDFEnabled:          getBool("PDF_ENABLED", true),
		PDFChromiumPath:     getenv("PDF_CHROMIUM_PATH", ""),
		PDFTimeout:          getDuration("PDF_TIMEOUT", 15*time.Second),
		PDFTimeZone:         getenv("PDF_TIMEZONE", "America/New_York"),
	}
}

// LoadFile overlays the YAML file at path onto base. Keys missing from the
// file keep the value they had in base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getList(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
