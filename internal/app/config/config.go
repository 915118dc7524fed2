package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hickar/mailrelay/internal/pkg/credential"
)

type Config struct {
	LogLevel     int               `yaml:"log_level"`     // Logging level (e.g., -4: debug, 0: info, 4: warn, 8: error).
	PollInterval time.Duration     `yaml:"poll_interval"` // Interval between relay runs in daemon mode.
	RunTimeout   time.Duration     `yaml:"run_timeout"`   // Upper bound for a single run in daemon mode.
	Source       SourceConfig      `yaml:"source"`        // Mailbox messages are relayed from.
	Destination  DestinationConfig `yaml:"destination"`   // Outbound server and recipient.
	Relay        RelayConfig       `yaml:"relay"`         // Batch, pacing and quota policy.
	State        StateConfig       `yaml:"state"`         // Run accounting persistence.
	Keyring      KeyringConfig     `yaml:"keyring"`       // System keyring holding passwords referenced by keyring_key.
}

type SourceConfig struct {
	Address            string        `yaml:"address"`              // IMAP server address in host:port form.
	Login              string        `yaml:"login"`                // Mailbox account username.
	Password           string        `yaml:"password"`             // Mailbox account password or app password.
	KeyringKey         string        `yaml:"keyring_key"`          // System keyring entry used when password is empty.
	Security           string        `yaml:"security"`             // Connection security: tls, starttls or insecure.
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"` // Skip TLS certificate verification.
	Mailbox            string        `yaml:"mailbox"`              // Mailbox to poll, INBOX by default.
	Timeout            time.Duration `yaml:"timeout"`              // Per-command network timeout.
	Filters            []string      `yaml:"filters"`              // Optional filters narrowing the unread selection.
}

type DestinationConfig struct {
	Address            string        `yaml:"address"`              // SMTP server address in host:port form.
	Login              string        `yaml:"login"`                // SMTP account username.
	Password           string        `yaml:"password"`             // SMTP account password or app password.
	KeyringKey         string        `yaml:"keyring_key"`          // System keyring entry used when password is empty.
	Security           string        `yaml:"security"`             // Connection security: tls, starttls or insecure.
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"` // Skip TLS certificate verification.
	Timeout            time.Duration `yaml:"timeout"`              // Per-command network timeout.
	From               string        `yaml:"from"`                 // Relay sender address, login by default.
	To                 string        `yaml:"to"`                   // Address messages are relayed to.
}

type RelayConfig struct {
	MaxPerRun                int         `yaml:"max_per_run"`                 // Upper bound of messages handled by a single run.
	InterMessageDelaySeconds *int        `yaml:"inter_message_delay_seconds"` // Pause between successful sends.
	AllowedTimeWindow        *TimeWindow `yaml:"allowed_time_window"`         // Optional local wall-clock window runs are allowed in.
	MaxRunsPerDay            int         `yaml:"max_runs_per_day"`            // Optional daily run quota.
	MaxEmailsPerDay          int         `yaml:"max_emails_per_day"`          // Optional daily message quota.
	Timezone                 string      `yaml:"timezone"`                    // Location used for the window and calendar day.
	MaxMessageSize           string      `yaml:"max_message_size"`            // Human readable size limit, e.g. "25MB".
	SubjectPrefix            *string     `yaml:"subject_prefix"`              // Prefix prepended to relayed subjects.
	PreserveOriginalSender   bool        `yaml:"preserve_original_sender"`    // Keep original sender in the From header.
	AttachOriginal           bool        `yaml:"attach_original"`             // Attach source message as .eml file.
	PlainFromHTML            *bool       `yaml:"plain_from_html"`             // Derive plain text alternative from HTML-only bodies.
	ForwardPreamble          *bool       `yaml:"forward_preamble"`            // Prepend "Forwarded message" block to the body.
	PreambleTemplate         string      `yaml:"preamble_template"`           // Optional text/template for the preamble.

	Location        *time.Location `yaml:"-"`
	MaxMessageBytes uint64         `yaml:"-"`
}

type StateConfig struct {
	Driver string `yaml:"driver"` // Accounting backend: file, sqlite or memory.
	Path   string `yaml:"path"`   // Backend file path.
}

type KeyringConfig struct {
	Backend      string `yaml:"backend"`       // keychain, secret-service, wincred, pass or file; first available when empty.
	FileDir      string `yaml:"file_dir"`      // Directory of the file backend.
	FilePassword string `yaml:"file_password"` // File backend encryption password, prompted for when empty.
}

// Options converts keyring settings for the credential store.
func (k KeyringConfig) Options() credential.Options {
	return credential.Options{
		Backend:      k.Backend,
		FileDir:      k.FileDir,
		FilePassword: k.FilePassword,
	}
}

const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityInsecure = "insecure"

	StateDriverFile   = "file"
	StateDriverSQLite = "sqlite"
	StateDriverMemory = "memory"

	DefaultMaxPerRun         = 50
	DefaultInterMessageDelay = 2
	DefaultSubjectPrefix     = "Fwd: "
	DefaultMaxMessageSize    = "25MB"
	defaultMailbox           = "INBOX"
	defaultNetworkTimeout    = 30 * time.Second
	defaultPollInterval      = 5 * time.Minute
	defaultRunTimeout        = 15 * time.Minute
	defaultStateFilePath     = "./mailrelay-state.json"
	defaultStateSQLitePath   = "./mailrelay-state.db"
	defaultKeyringFileDir    = "~/.config/mailrelay/credentials"
)

// secretLookup resolves keyring entries. Replaced in tests.
var secretLookup = func(opts credential.Options, key string) (string, error) {
	store, err := credential.Open(opts)
	if err != nil {
		return "", err
	}
	return store.Get(key)
}

func LoadConfig(cfgFilepath, envFilepath string) (Config, error) {
	fileBytes, err := readConfigFile(cfgFilepath, envFilepath)
	if err != nil {
		return Config{}, err
	}

	return Parse(fileBytes)
}

// LoadKeyringConfig reads keyring settings only, without requiring the
// rest of configuration to be complete. A missing file yields defaults.
func LoadKeyringConfig(cfgFilepath, envFilepath string) (KeyringConfig, error) {
	var cfg Config

	fileBytes, err := readConfigFile(cfgFilepath, envFilepath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg.Keyring, err
	}

	if err == nil {
		if err = yaml.Unmarshal([]byte(os.ExpandEnv(string(fileBytes))), &cfg); err != nil {
			return cfg.Keyring, fmt.Errorf("unable to unmarshal configuration file: %w", err)
		}
	}
	cfg.applyDefaults()

	return cfg.Keyring, nil
}

func readConfigFile(cfgFilepath, envFilepath string) ([]byte, error) {
	if _, err := os.Stat(envFilepath); err == nil {
		if err = godotenv.Load(envFilepath); err != nil {
			return nil, fmt.Errorf("unable to load environment variables from file: %w", err)
		}
	}

	//nolint:gosec
	fileBytes, err := os.ReadFile(cfgFilepath)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("configuration file at this cfgFilepath doesn't exist: %w", err)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("permission denied for accessing configuration file: %w", err)
		default:
			return nil, fmt.Errorf("unexpected error during reading configuration file: %w", err)
		}
	}

	return fileBytes, nil
}

// Parse decodes configuration document, expanding environment variables,
// applying defaults and validating the result.
func Parse(data []byte) (Config, error) {
	var cfg Config

	envExpanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(envExpanded), &cfg); err != nil {
		return cfg, fmt.Errorf("unable to unmarshal configuration file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := cfg.resolve(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RunTimeout == 0 {
		c.RunTimeout = defaultRunTimeout
	}

	if c.Source.Security == "" {
		c.Source.Security = SecurityTLS
	}
	if c.Source.Mailbox == "" {
		c.Source.Mailbox = defaultMailbox
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = defaultNetworkTimeout
	}

	if c.Destination.Security == "" {
		c.Destination.Security = SecurityTLS
	}
	if c.Destination.Timeout == 0 {
		c.Destination.Timeout = defaultNetworkTimeout
	}
	if c.Destination.From == "" {
		c.Destination.From = c.Destination.Login
	}

	r := &c.Relay
	if r.MaxPerRun == 0 {
		r.MaxPerRun = DefaultMaxPerRun
	}
	if r.InterMessageDelaySeconds == nil {
		r.InterMessageDelaySeconds = ptr(DefaultInterMessageDelay)
	}
	if r.MaxEmailsPerDay == 0 && r.MaxRunsPerDay > 0 {
		r.MaxEmailsPerDay = r.MaxRunsPerDay * r.MaxPerRun
	}
	if r.MaxMessageSize == "" {
		r.MaxMessageSize = DefaultMaxMessageSize
	}
	if r.SubjectPrefix == nil {
		r.SubjectPrefix = ptr(DefaultSubjectPrefix)
	}
	if r.PlainFromHTML == nil {
		r.PlainFromHTML = ptr(true)
	}
	if r.ForwardPreamble == nil {
		r.ForwardPreamble = ptr(true)
	}

	if c.Keyring.FileDir == "" {
		c.Keyring.FileDir = defaultKeyringFileDir
	}

	if c.State.Driver == "" {
		c.State.Driver = StateDriverFile
	}
	if c.State.Path == "" {
		switch c.State.Driver {
		case StateDriverSQLite:
			c.State.Path = defaultStateSQLitePath
		case StateDriverFile:
			c.State.Path = defaultStateFilePath
		}
	}
}

func (c *Config) resolveSecrets() error {
	var err error

	if c.Source.Password == "" && c.Source.KeyringKey != "" {
		c.Source.Password, err = secretLookup(c.Keyring.Options(), c.Source.KeyringKey)
		if err != nil {
			return fmt.Errorf("resolve source password: %w", err)
		}
	}
	if c.Destination.Password == "" && c.Destination.KeyringKey != "" {
		c.Destination.Password, err = secretLookup(c.Keyring.Options(), c.Destination.KeyringKey)
		if err != nil {
			return fmt.Errorf("resolve destination password: %w", err)
		}
	}

	return nil
}

func (c *Config) resolve() error {
	r := &c.Relay

	r.Location = time.Local
	if r.Timezone != "" {
		loc, err := time.LoadLocation(r.Timezone)
		if err != nil {
			return fmt.Errorf("load timezone %q: %w", r.Timezone, err)
		}
		r.Location = loc
	}

	size, err := humanize.ParseBytes(r.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("parse max_message_size %q: %w", r.MaxMessageSize, err)
	}
	r.MaxMessageBytes = size

	return nil
}

// Validate reports every missing or malformed option at once.
func (c *Config) Validate() error {
	var errs []error

	required := []struct {
		name, value string
	}{
		{"source.address", c.Source.Address},
		{"source.login", c.Source.Login},
		{"source.password", c.Source.Password},
		{"destination.address", c.Destination.Address},
		{"destination.login", c.Destination.Login},
		{"destination.password", c.Destination.Password},
		{"destination.to", c.Destination.To},
	}
	for _, opt := range required {
		if strings.TrimSpace(opt.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", opt.name))
		}
	}

	if !validSecurity(c.Source.Security) {
		errs = append(errs, fmt.Errorf("invalid source.security: %q", c.Source.Security))
	}
	if !validSecurity(c.Destination.Security) {
		errs = append(errs, fmt.Errorf("invalid destination.security: %q", c.Destination.Security))
	}

	r := c.Relay
	if r.MaxPerRun < 0 {
		errs = append(errs, errors.New("relay.max_per_run must not be negative"))
	}
	if r.InterMessageDelaySeconds != nil && *r.InterMessageDelaySeconds < 0 {
		errs = append(errs, errors.New("relay.inter_message_delay_seconds must not be negative"))
	}
	if r.MaxRunsPerDay < 0 || r.MaxEmailsPerDay < 0 {
		errs = append(errs, errors.New("relay daily quotas must not be negative"))
	}
	if r.AllowedTimeWindow != nil {
		if err := r.AllowedTimeWindow.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("relay.allowed_time_window: %w", err))
		}
	}

	switch c.State.Driver {
	case StateDriverFile, StateDriverSQLite, StateDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid state.driver: %q", c.State.Driver))
	}

	return errors.Join(errs...)
}

// InterMessageDelay returns pause inserted between successful sends.
func (r RelayConfig) InterMessageDelay() time.Duration {
	if r.InterMessageDelaySeconds == nil {
		return DefaultInterMessageDelay * time.Second
	}
	return time.Duration(*r.InterMessageDelaySeconds) * time.Second
}

// In converts t into configured location.
func (r RelayConfig) In(t time.Time) time.Time {
	if r.Location == nil {
		return t
	}
	return t.In(r.Location)
}

func validSecurity(s string) bool {
	switch s {
	case SecurityTLS, SecurityStartTLS, SecurityInsecure:
		return true
	}
	return false
}

func ptr[T any](v T) *T {
	return &v
}
