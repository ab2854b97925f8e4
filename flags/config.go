package flags

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeInspect = "inspect"
	ModeSandbox = "sandbox"
)

var ErrMissing = errors.New("required setting is missing")

// Config is read from BILLING_* environment variables.
type Config struct {
	Mode string

	Endpoint    string
	ListenAddr  string
	PackageName string
	PublicKey   string

	ExtraInAppSkus        []string
	ExtraSubscriptionSkus []string
	FetchSkuDetails       bool
	ConsumeAll            bool

	RequestsPerSecond float64
	Timeout           time.Duration
}

// Load reads the environment after applying any .env files. Missing files
// are ignored; with no arguments ".env" is tried.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return FromEnv(os.Getenv)
}

func FromEnv(getenv func(string) string) (*Config, error) {
	c := &Config{
		Mode:                  getenv("BILLING_MODE"),
		Endpoint:              getenv("BILLING_ENDPOINT"),
		ListenAddr:            getenv("BILLING_LISTEN_ADDR"),
		PackageName:           getenv("BILLING_PACKAGE_NAME"),
		PublicKey:             getenv("BILLING_PUBLIC_KEY"),
		ExtraInAppSkus:        splitList(getenv("BILLING_EXTRA_SKUS")),
		ExtraSubscriptionSkus: splitList(getenv("BILLING_EXTRA_SUBS_SKUS")),
		FetchSkuDetails:       true,
		Timeout:               30 * time.Second,
	}

	if c.Mode == "" {
		c.Mode = ModeInspect
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "localhost:8085"
	}

	var err error
	if v := getenv("BILLING_FETCH_DETAILS"); v != "" {
		if c.FetchSkuDetails, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid BILLING_FETCH_DETAILS: %w", err)
		}
	}
	if v := getenv("BILLING_CONSUME"); v != "" {
		if c.ConsumeAll, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid BILLING_CONSUME: %w", err)
		}
	}
	if v := getenv("BILLING_RATE_LIMIT"); v != "" {
		if c.RequestsPerSecond, err = strconv.ParseFloat(v, 64); err != nil || c.RequestsPerSecond < 0 {
			return nil, fmt.Errorf("invalid BILLING_RATE_LIMIT %q", v)
		}
	}
	if v := getenv("BILLING_TIMEOUT"); v != "" {
		if c.Timeout, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid BILLING_TIMEOUT: %w", err)
		}
	}

	switch c.Mode {
	case ModeInspect:
		if c.PackageName == "" {
			return nil, fmt.Errorf("%w: BILLING_PACKAGE_NAME", ErrMissing)
		}
		if c.PublicKey == "" {
			return nil, fmt.Errorf("%w: BILLING_PUBLIC_KEY", ErrMissing)
		}
	case ModeSandbox:
		if c.PackageName == "" {
			return nil, fmt.Errorf("%w: BILLING_PACKAGE_NAME", ErrMissing)
		}
	default:
		return nil, fmt.Errorf("unknown BILLING_MODE %q", c.Mode)
	}

	return c, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
