package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Policy struct {
	ID         string  `yaml:"id"`
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"` // tokens per second
}

type Eviction struct {
	IdleTTLMS  int `yaml:"idle_ttl_ms"`
	IntervalMS int `yaml:"interval_ms"`
}

type Limits struct {
	Policies []Policy `yaml:"policies"`
	Eviction Eviction `yaml:"eviction"`
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Route struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`
	Policy string `yaml:"policy"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Routes        []Route       `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

func (e Eviction) IdleTTL() time.Duration  { return time.Duration(e.IdleTTLMS) * time.Millisecond }
func (e Eviction) Interval() time.Duration { return time.Duration(e.IntervalMS) * time.Millisecond }

// RatePolicies converts the configured policies, failing on the first
// invalid one.
func (l Limits) RatePolicies() ([]ratelimit.Policy, error) {
	out := make([]ratelimit.Policy, 0, len(l.Policies))
	for _, p := range l.Policies {
		rp, err := ratelimit.NewPolicy(p.ID, p.Capacity, p.RefillRate)
		if err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, nil
}

// Defaults mirrors the stock deployment: a lenient policy on "/" and a
// strict one on "/api".
func Defaults() Root {
	var cfg Root
	cfg.Limits.Policies = []Policy{
		{ID: "public", Capacity: 100, RefillRate: 5},
		{ID: "strict", Capacity: 10, RefillRate: 2},
	}

	home := Route{ID: "home", Policy: "public"}
	home.Match.PathPrefix = "/"
	home.Match.Methods = []string{"GET"}
	api := Route{ID: "api", Policy: "strict"}
	api.Match.PathPrefix = "/api"
	api.Match.Methods = []string{"GET"}
	cfg.Routes = []Route{home, api}

	applyDefaults(&cfg)
	return cfg
}

// Load reads path, falling back to Defaults when the file does not exist.
// PORT overrides the port of server.addr.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := Defaults()
		applyEnv(&cfg)
		return &cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Limits.Policies) == 0 && len(cfg.Routes) == 0 {
		d := Defaults()
		cfg.Limits.Policies = d.Limits.Policies
		cfg.Routes = d.Routes
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Root) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3000"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	for i := range cfg.Routes {
		if len(cfg.Routes[i].Match.Methods) == 0 {
			cfg.Routes[i].Match.Methods = []string{"GET"}
		}
	}
}

func applyEnv(cfg *Root) {
	port := os.Getenv("PORT")
	if port == "" {
		return
	}
	host, _, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		host = ""
	}
	cfg.Server.Addr = net.JoinHostPort(host, port)
}

// Validate fails on bad policies, duplicate ids and routes that point at
// unknown policies.
func (c *Root) Validate() error {
	policies := make(map[string]struct{}, len(c.Limits.Policies))
	for _, p := range c.Limits.Policies {
		if p.ID == "" {
			return errors.New("limits.policies: id is required")
		}
		if _, ok := policies[p.ID]; ok {
			return fmt.Errorf("limits.policies: %w: %q", ratelimit.ErrDuplicatePolicy, p.ID)
		}
		policies[p.ID] = struct{}{}
		if _, err := ratelimit.NewPolicy(p.ID, p.Capacity, p.RefillRate); err != nil {
			return fmt.Errorf("limits.policies: %w", err)
		}
	}

	routes := make(map[string]struct{}, len(c.Routes))
	for _, r := range c.Routes {
		if r.ID == "" {
			return errors.New("routes: id is required")
		}
		if _, ok := routes[r.ID]; ok {
			return fmt.Errorf("routes: duplicate route %q", r.ID)
		}
		routes[r.ID] = struct{}{}
		if r.Match.PathPrefix == "" {
			return fmt.Errorf("routes: %q: path_prefix is required", r.ID)
		}
		if r.Policy == "" {
			continue
		}
		if _, ok := policies[r.Policy]; !ok {
			return fmt.Errorf("routes: %q: %w: %q", r.ID, ratelimit.ErrUnknownPolicy, r.Policy)
		}
	}

	if c.Limits.Eviction.IdleTTLMS < 0 || c.Limits.Eviction.IntervalMS < 0 {
		return errors.New("limits.eviction: durations must not be negative")
	}
	return nil
}
