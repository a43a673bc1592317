// Package config loads and validates the pg_autoctl node configuration
// file: an INI-shaped file at <name>.cfg with
// [pg_autoctl]/[postgresql]/[replication]/[ssl] sections. It is loaded with
// github.com/pelletier/go-toml the way internal/praefect/config/config.go
// loads praefect's TOML file — TOML's section/key-value grammar is a strict
// superset of what these sections need, and the teacher never reaches for a
// dedicated INI library either.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
)

// Duration wraps time.Duration so it round-trips through TOML as a
// duration string such as "5s" (see MarshalText), the way config.Duration
// does in the teacher's gitaly config package.
type Duration time.Duration

// PgAutoCtl is the [pg_autoctl] section: node identity and monitor wiring.
type PgAutoCtl struct {
	NodeName  string `toml:"nodename"`
	Hostname  string `toml:"hostname"`
	Monitor   string `toml:"monitor"`
	Formation string `toml:"formation"`
	Group     int32  `toml:"group"`

	// WantedInitialState is what register_node should request; empty means
	// "let the monitor decide."
	WantedInitialState string `toml:"role"`
}

// Postgres is the [postgresql] section.
type Postgres struct {
	PGData string `toml:"pgdata"`
	PgHost string `toml:"pghost"`
	PgPort int32  `toml:"pgport"`

	AuthMethod string `toml:"auth_method"`
	SkipPgHba  bool   `toml:"skip_pg_hba"`
}

// Replication is the [replication] section. Its fields are loaded and
// written back but the keeper loop does not read them: it names its slot
// pgautofailover_<node_id> and sends neither candidate priority nor quorum
// to the monitor.
type Replication struct {
	// Slot is a replication slot name.
	Slot string `toml:"slot"`

	// CandidatePriority and Quorum mirror the fields on the node_active
	// reply (candidate_priority / replication_quorum).
	CandidatePriority int  `toml:"candidate_priority"`
	Quorum            bool `toml:"quorum"`
}

// SSL is the [ssl] section.
type SSL struct {
	Active      bool   `toml:"active"`
	SSLMode     string `toml:"sslmode"`
	SSLCA       string `toml:"ca_file"`
	SSLCRL      string `toml:"crl_file"`
	ServerCert  string `toml:"server_cert"`
	ServerKey   string `toml:"server_key"`
}

// Config is the full contents of a <name>.cfg file.
type Config struct {
	PgAutoCtl   PgAutoCtl   `toml:"pg_autoctl"`
	Postgres    Postgres    `toml:"postgresql"`
	Replication Replication `toml:"replication"`
	SSL         SSL         `toml:"ssl"`

	// TickInterval is the keeper loop period; defaults to 5 seconds.
	TickInterval Duration `toml:"tick_interval"`

	// MonitorFailureThreshold is the number of consecutive node_active
	// failures the keeper tolerates before logging a warning. Defaults to 20.
	MonitorFailureThreshold int `toml:"monitor_failure_threshold"`
}

// Env carries the environment overrides pg_autoctl recognizes: PGDATA,
// PG_AUTOCTL_DEBUG, XDG_CONFIG_HOME, XDG_DATA_HOME. Loaded with envconfig,
// the same declarative-struct approach the pack's own envconfig dependency
// is meant for, rather than scattered os.Getenv calls.
type Env struct {
	PGData        string `envconfig:"PGDATA"`
	Debug         bool   `envconfig:"PG_AUTOCTL_DEBUG"`
	XDGConfigHome string `envconfig:"XDG_CONFIG_HOME"`
	XDGDataHome   string `envconfig:"XDG_DATA_HOME"`
}

// LoadEnv reads the pg_autoctl environment overrides.
func LoadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return Env{}, fmt.Errorf("read environment: %w", err)
	}
	return e, nil
}

func defaults() *Config {
	return &Config{
		TickInterval:            Duration(5 * time.Second),
		MonitorFailureThreshold: 20,
		Replication: Replication{
			Quorum: true,
		},
	}
}

// FromFile loads the config at filePath, applying defaults first the way
// config.FromFile in the teacher seeds Reconciliation/Replication/Prometheus
// defaults before unmarshalling over them.
func FromFile(filePath string) (Config, error) {
	b, err := ioutil.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	conf := defaults()
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, err
	}

	if env, err := LoadEnv(); err == nil && env.PGData != "" && conf.Postgres.PGData == "" {
		conf.Postgres.PGData = env.PGData
	}

	return *conf, nil
}

// ToFile serializes conf to filePath, used by "pg_autoctl create postgres"
// to write the new node's config file.
func ToFile(filePath string, conf Config) error {
	b, err := toml.Marshal(conf)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filePath, b, 0o600)
}

// Validate establishes if the config is complete enough to start the keeper,
// following the same "collect the first missing required field" shape as
// Config.Validate in the teacher.
func (c *Config) Validate() error {
	if c.PgAutoCtl.NodeName == "" {
		return fmt.Errorf("nodename is required")
	}
	if c.PgAutoCtl.Monitor == "" {
		return fmt.Errorf("monitor URI is required")
	}
	if c.Postgres.PGData == "" {
		return fmt.Errorf("pgdata is required")
	}
	if c.Postgres.PgPort == 0 {
		return fmt.Errorf("pgport is required")
	}
	return nil
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler so Duration round-trips
// through TOML as "5s" rather than a raw integer of nanoseconds.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
