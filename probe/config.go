package probe

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/regprobe/browser"
	"github.com/hazyhaar/regprobe/defense"
	"github.com/hazyhaar/regprobe/mailbox"
	"github.com/hazyhaar/regprobe/orchestrator"
	"github.com/hazyhaar/regprobe/reasoning"
)

// Config holds all regprobe configuration.
type Config struct {
	DBPath string `yaml:"db_path"`
	// SecretEnv names the environment variable whose value seals provider
	// session data at rest. Unset variable = stored in clear.
	SecretEnv string `yaml:"secret_env"`
	Listen    string `yaml:"listen"`

	// Static drives pages as fetched HTML instead of a browser. Pages
	// that need JavaScript will not work.
	Static    bool             `yaml:"static"`
	UserAgent string           `yaml:"user_agent"`
	Browser   browser.Config   `yaml:"browser"`
	Reasoning reasoning.Config `yaml:"reasoning"`

	Providers ProvidersConfig `yaml:"providers"`
	Provision ProvisionConfig `yaml:"provision"`
	Verify    VerifyConfig    `yaml:"verify"`
	Defense   DefenseConfig   `yaml:"defense"`

	// AllowList names the hosts registration may be submitted to.
	AllowList []string            `yaml:"allow_list"`
	Sites     []orchestrator.Site `yaml:"sites"`
	Pacing    PacingConfig        `yaml:"pacing"`
	// Concurrency is the number of (mailbox, site) units run at once.
	Concurrency int `yaml:"concurrency"`
}

// ProvidersConfig selects the mailbox providers.
type ProvidersConfig struct {
	// Catalog lists built-in providers by name. Empty = all of them,
	// unless Custom is set.
	Catalog []string             `yaml:"catalog"`
	Custom  []mailbox.PageConfig `yaml:"custom"`
}

// ProvisionConfig tunes mailbox acquisition.
type ProvisionConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	// Rounds is how many times the engine retries after a ProvisionError.
	Rounds       int           `yaml:"rounds"`
	RoundBackoff time.Duration `yaml:"round_backoff"`
}

// VerifyConfig sets how long VerifyMailbox polls the inbox.
type VerifyConfig struct {
	Polls    int           `yaml:"polls"`
	Interval time.Duration `yaml:"interval"`
}

// DefenseConfig extends the built-in taxonomy.
type DefenseConfig struct {
	Extra []defense.Category `yaml:"extra"`
}

// PacingConfig sets think-time delays.
type PacingConfig struct {
	Min               time.Duration `yaml:"min"`
	Max               time.Duration `yaml:"max"`
	SubmitWait        time.Duration `yaml:"submit_wait"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "regprobe.db"
	}
	if c.SecretEnv == "" {
		c.SecretEnv = "REGPROBE_SECRET"
	}
	if c.Provision.MaxAttempts <= 0 {
		c.Provision.MaxAttempts = 5
	}
	if c.Provision.Backoff <= 0 {
		c.Provision.Backoff = 2 * time.Second
	}
	if c.Provision.Rounds <= 0 {
		c.Provision.Rounds = 3
	}
	if c.Provision.RoundBackoff <= 0 {
		c.Provision.RoundBackoff = 5 * time.Second
	}
	if c.Verify.Polls <= 0 {
		c.Verify.Polls = 6
	}
	if c.Verify.Interval <= 0 {
		c.Verify.Interval = 10 * time.Second
	}
	if len(c.AllowList) == 0 {
		c.AllowList = []string{"localhost", "127.0.0.1", "::1"}
	}
	if c.Pacing.Min <= 0 {
		c.Pacing.Min = 200 * time.Millisecond
	}
	if c.Pacing.Max <= 0 {
		c.Pacing.Max = 2 * time.Second
	}
	if c.Pacing.SubmitWait <= 0 {
		c.Pacing.SubmitWait = 3 * time.Second
	}
	if c.Pacing.NavigationTimeout <= 0 {
		c.Pacing.NavigationTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
}

// providerConfigs resolves the catalog selection and custom providers.
func (c *Config) providerConfigs() ([]mailbox.PageConfig, error) {
	var out []mailbox.PageConfig
	switch {
	case len(c.Providers.Catalog) > 0:
		for _, name := range c.Providers.Catalog {
			pc, ok := mailbox.CatalogEntry(name)
			if !ok {
				return nil, fmt.Errorf("probe: unknown catalog provider %q", name)
			}
			out = append(out, pc)
		}
	case len(c.Providers.Custom) == 0:
		out = append(out, mailbox.Catalog()...)
	}
	return append(out, c.Providers.Custom...), nil
}

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("probe: parse %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}
