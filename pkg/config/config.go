// Package config loads mnha configuration.
//
// Sources, later overriding earlier:
//  1. Defaults (the xCAT management node layout)
//  2. Configuration file (./config.yaml, /etc/mnha/config.yaml, or --config)
//  3. Environment variables with the MNHA_ prefix (MNHA_LOG_LEVEL=debug)
//
// Command-line flags are applied on top by cmd/mnha.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/mnha/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	StateDir    string            `mapstructure:"state_dir" validate:"required"`
	LockFile    string            `mapstructure:"lock_file" validate:"required"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Files       FilesConfig       `mapstructure:"files"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Probe       ProbeConfig       `mapstructure:"probe"`
	Shared      SharedConfig      `mapstructure:"shared"`
	Origin      OriginConfig      `mapstructure:"origin"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Services    ServicesConfig    `mapstructure:"services"`
	Databases   DatabasesConfig   `mapstructure:"databases"`
	Packages    PackagesConfig    `mapstructure:"packages"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
	// File receives a JSON copy of the log; empty disables it
	File string `mapstructure:"file"`
}

// MetricsConfig controls the node_exporter textfile export
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// FilesConfig lists the node-local system files that are edited
type FilesConfig struct {
	Hosts      string `mapstructure:"hosts" validate:"required"`
	ResolvConf string `mapstructure:"resolv_conf" validate:"required"`
	OSRelease  string `mapstructure:"os_release" validate:"required"`
}

// ExecutorConfig controls external command retries
type ExecutorConfig struct {
	Retries int           `mapstructure:"retries" validate:"gte=0"`
	Backoff time.Duration `mapstructure:"backoff" validate:"gt=0"`
}

// ProbeConfig controls the virtual address conflict probe
type ProbeConfig struct {
	PingTimeout time.Duration `mapstructure:"ping_timeout" validate:"gt=0"`
	TCPTimeout  time.Duration `mapstructure:"tcp_timeout" validate:"gt=0"`
	// TCPPorts are dialed on the virtual address in addition to ping
	TCPPorts []int `mapstructure:"tcp_ports" validate:"dive,min=1,max=65535"`
	// DNSTimeout bounds PTR/A lookups when /etc/hosts has no answer
	DNSTimeout time.Duration `mapstructure:"dns_timeout" validate:"gt=0"`
}

// SharedConfig describes the shared volume layout
type SharedConfig struct {
	// Resources are relocated in order
	Resources []string `mapstructure:"resources" validate:"required,min=1,dive,startswith=/"`
	// AuthorityPath marks the shared volume as authoritative when present
	AuthorityPath string `mapstructure:"authority_path" validate:"required,startswith=/"`
	// SeedMode is the shared root permission required for first seeding
	SeedMode     os.FileMode `mapstructure:"seed_mode"`
	BackupSuffix string      `mapstructure:"backup_suffix" validate:"required"`
	// OriginRecord is relative to the shared root
	OriginRecord string `mapstructure:"origin_record" validate:"required,startswith=/"`
}

// OriginConfig locates the node-local origin record
type OriginConfig struct {
	LocalRecord string `mapstructure:"local_record" validate:"required"`
}

// CoordinatorConfig describes the coordinator daemon and its tools
type CoordinatorConfig struct {
	Service       string   `mapstructure:"service" validate:"required"`
	Package       string   `mapstructure:"package" validate:"required"`
	InstallerURL  string   `mapstructure:"installer_url" validate:"required,url"`
	InstallerPath string   `mapstructure:"installer_path" validate:"required"`
	InstallArgs   []string `mapstructure:"install_args"`
	VersionCmd    []string `mapstructure:"version_cmd"`
	BinDirs       []string `mapstructure:"bin_dirs"`
	EngineMarker  string   `mapstructure:"engine_marker" validate:"required,startswith=/"`
	Certificate   string   `mapstructure:"certificate" validate:"required"`
	ConsoleLock   string   `mapstructure:"console_lock" validate:"required"`
	// DomainQuery prints the site-wide domain attribute
	DomainQuery []string     `mapstructure:"domain_query" validate:"required,min=1"`
	Policy      PolicyConfig `mapstructure:"policy"`
}

// PolicyConfig drives trust-store registration
type PolicyConfig struct {
	// List prints "Object name:" and "name=" lines for every policy entry
	List []string `mapstructure:"list" validate:"required,min=1"`
	// Create registers an entry; {entry} and {name} are substituted
	Create      []string `mapstructure:"create" validate:"required,min=1"`
	EntryPrefix string   `mapstructure:"entry_prefix" validate:"required"`
	FirstIndex  int      `mapstructure:"first_index" validate:"gte=0"`
	MaxIndex    int      `mapstructure:"max_index" validate:"gtefield=FirstIndex"`
}

// ServicesConfig names the managed units and their regeneration tools
type ServicesConfig struct {
	Naming               string          `mapstructure:"naming"`
	NamingRegenerate     [][]string      `mapstructure:"naming_regenerate"`
	Addressing           string          `mapstructure:"addressing"`
	AddressingRegenerate [][]string      `mapstructure:"addressing_regenerate"`
	TimeSync             string          `mapstructure:"timesync"`
	Consoles             []ConsoleConfig `mapstructure:"consoles" validate:"dive"`
	EnableOnActivate     bool            `mapstructure:"enable_on_activate"`
}

// ConsoleConfig is one console multiplexer variant
type ConsoleConfig struct {
	Name       string   `mapstructure:"name" validate:"required"`
	Regenerate []string `mapstructure:"regenerate"`
}

// DatabasesConfig holds per-engine settings
type DatabasesConfig struct {
	PostgreSQL EngineConfig `mapstructure:"postgresql"`
	MariaDB    EngineConfig `mapstructure:"mariadb"`
}

// EngineConfig describes a shared database engine
type EngineConfig struct {
	Service  string   `mapstructure:"service" validate:"required"`
	DataDir  string   `mapstructure:"data_dir" validate:"required,startswith=/"`
	Packages []string `mapstructure:"packages" validate:"required,min=1"`
	// CheckPackage decides whether the engine is already installed
	CheckPackage string `mapstructure:"check_package" validate:"required"`
	// Init runs the engine's initialization tool; {vip}, {physical_ip} and
	// {hostfile} are substituted
	Init []string `mapstructure:"init" validate:"required,min=1"`
	// Env holds "KEY=value" entries passed to Init; values are masked in logs
	Env      []string `mapstructure:"env"`
	HBAConf  string   `mapstructure:"hba_conf"`
	MainConf string   `mapstructure:"main_conf"`
	HostFile string   `mapstructure:"host_file"`
}

// PackagesConfig maps OS families to package manager invocations
type PackagesConfig struct {
	Install map[string][]string `mapstructure:"install"`
	Query   map[string][]string `mapstructure:"query"`
}

// Load reads configuration from a file and the environment. Without an
// explicit file, a missing config.yaml is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mnha")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MNHA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

var validate = validator.New()

// Validate checks struct constraints
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// Engine returns the settings of a shared engine
func (c *Config) Engine(e types.Engine) (EngineConfig, bool) {
	switch e {
	case types.EnginePostgreSQL:
		return c.Databases.PostgreSQL, true
	case types.EngineMariaDB:
		return c.Databases.MariaDB, true
	default:
		return EngineConfig{}, false
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")

	v.SetDefault("state_dir", "/var/lib/mnha")
	v.SetDefault("lock_file", "/var/run/mnha.lock")
	v.SetDefault("metrics.textfile", "")

	v.SetDefault("files.hosts", "/etc/hosts")
	v.SetDefault("files.resolv_conf", "/etc/resolv.conf")
	v.SetDefault("files.os_release", "/etc/os-release")

	v.SetDefault("executor.retries", 3)
	v.SetDefault("executor.backoff", "3s")

	v.SetDefault("probe.ping_timeout", "10s")
	v.SetDefault("probe.tcp_timeout", "2s")
	v.SetDefault("probe.tcp_ports", []int{3001})
	v.SetDefault("probe.dns_timeout", "3s")

	v.SetDefault("shared.resources", []string{
		"/install",
		"/etc/xcat",
		"/root/.xcat",
		"/var/lib/pgsql",
		"/var/lib/mysql",
		"/tftpboot",
	})
	v.SetDefault("shared.authority_path", "/etc/xcat")
	v.SetDefault("shared.seed_mode", 0755)
	v.SetDefault("shared.backup_suffix", ".bak")
	v.SetDefault("shared.origin_record", "/etc/xcat/ha_mn")

	v.SetDefault("origin.local_record", "/var/lib/mnha/ha_mn")

	v.SetDefault("coordinator.service", "xcatd")
	v.SetDefault("coordinator.package", "xCAT")
	v.SetDefault("coordinator.installer_url", "https://raw.githubusercontent.com/xcat2/xcat-core/master/xCAT-server/share/xcat/tools/go-xcat")
	v.SetDefault("coordinator.installer_path", "/tmp/go-xcat")
	v.SetDefault("coordinator.install_args", []string{"--yes", "install"})
	v.SetDefault("coordinator.version_cmd", []string{"lsxcatd", "-v"})
	v.SetDefault("coordinator.bin_dirs", []string{"/opt/xcat/bin", "/opt/xcat/sbin", "/opt/xcat/share/xcat/tools"})
	v.SetDefault("coordinator.engine_marker", "/etc/xcat/cfgloc")
	v.SetDefault("coordinator.certificate", "/etc/xcat/cert/server-cert.pem")
	v.SetDefault("coordinator.console_lock", "/etc/xcat/console.lock")
	v.SetDefault("coordinator.domain_query", []string{"lsdef", "-t", "site", "-i", "domain"})
	v.SetDefault("coordinator.policy.list", []string{"lsdef", "-t", "policy", "-i", "name"})
	v.SetDefault("coordinator.policy.create", []string{"chdef", "-t", "policy", "{entry}", "name={name}", "rule=trusted"})
	v.SetDefault("coordinator.policy.entry_prefix", "1.")
	v.SetDefault("coordinator.policy.first_index", 3)
	v.SetDefault("coordinator.policy.max_index", 99)

	v.SetDefault("services.naming", "named")
	v.SetDefault("services.naming_regenerate", [][]string{{"makedns", "-n"}})
	v.SetDefault("services.addressing", "dhcpd")
	v.SetDefault("services.addressing_regenerate", [][]string{{"makedhcp", "-n"}, {"makedhcp", "-a"}})
	v.SetDefault("services.timesync", "ntpd")
	v.SetDefault("services.consoles", []map[string]interface{}{
		{"name": "conserver", "regenerate": []string{"makeconservercf"}},
		{"name": "goconserver", "regenerate": []string{"makegocons"}},
	})
	v.SetDefault("services.enable_on_activate", false)

	v.SetDefault("databases.postgresql.service", "postgresql")
	v.SetDefault("databases.postgresql.data_dir", "/var/lib/pgsql")
	v.SetDefault("databases.postgresql.packages", []string{"postgresql*", "perl-DBD-Pg"})
	v.SetDefault("databases.postgresql.check_package", "postgresql-server")
	v.SetDefault("databases.postgresql.init", []string{"pgsqlsetup", "-i", "-a", "{vip}", "-a", "{physical_ip}"})
	v.SetDefault("databases.postgresql.env", []string{"XCATPGPW=cluster"})
	v.SetDefault("databases.postgresql.hba_conf", "/var/lib/pgsql/data/pg_hba.conf")
	v.SetDefault("databases.postgresql.main_conf", "/var/lib/pgsql/data/postgresql.conf")

	v.SetDefault("databases.mariadb.service", "mariadb")
	v.SetDefault("databases.mariadb.data_dir", "/var/lib/mysql")
	v.SetDefault("databases.mariadb.packages", []string{"perl-DBD-MySQL*", "mariadb-server-5.*", "mariadb-5.*", "mysql-connector-odbc-*"})
	v.SetDefault("databases.mariadb.check_package", "mariadb-server")
	v.SetDefault("databases.mariadb.init", []string{"mysqlsetup", "-i", "-f", "{hostfile}", "-V"})
	v.SetDefault("databases.mariadb.env", []string{"XCATMYSQLADMIN_PW=cluster", "XCATMYSQLROOT_PW=cluster"})
	v.SetDefault("databases.mariadb.host_file", "/var/lib/mnha/physical_ip")

	v.SetDefault("packages.install", map[string][]string{
		"rhel":   {"yum", "-y", "install"},
		"suse":   {"zypper", "-n", "install"},
		"debian": {"apt-get", "-y", "install"},
	})
	v.SetDefault("packages.query", map[string][]string{
		"rhel":   {"rpm", "-q"},
		"suse":   {"rpm", "-q"},
		"debian": {"dpkg", "-s"},
	})
}
