// Package config loads process configuration from flags, env vars and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/dreamware/subdb/internal/logger"
)

// EnvPrefix prefixes every environment variable bound to a flag.
const EnvPrefix = "SUBDB"

type config struct {
	viper *viper.Viper
	name  string
	paths []string
}

// Load fills fs from the config file called name (any viper format, looked
// up in the working directory) and from SUBDB_* environment variables.
// Flags set on the command line win.
func Load(name string, fs *pflag.FlagSet) error {
	return load(name, fs, ".")
}

func load(name string, fs *pflag.FlagSet, paths ...string) error {
	c := &config{viper: viper.New(), name: name, paths: paths}
	return c.initializeConfig(fs)
}

func (c *config) initializeConfig(fs *pflag.FlagSet) error {
	v := c.viper
	v.SetConfigName(c.name)
	for _, p := range c.paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return err
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return BindFlags(fs, v, EnvPrefix)
}

// BindFlags binds each flag to its viper key and env var, then copies any
// value viper holds into flags the user left unset.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper, envPrefix string) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if strings.Contains(f.Name, "-") {
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			err = multierr.Append(err, v.BindEnv(f.Name, fmt.Sprintf("%s_%s", envPrefix, envVarSuffix)))
		}
		if !f.Changed && v.IsSet(f.Name) {
			err = multierr.Append(err, setFlag(fs, f, v.Get(f.Name)))
		}
	})
	return err
}

func setFlag(fs *pflag.FlagSet, f *pflag.Flag, val any) error {
	// slice flags append on every Set, so hand them one joined value
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		switch vv := val.(type) {
		case []any:
			ss := make([]string, 0, len(vv))
			for _, x := range vv {
				ss = append(ss, fmt.Sprintf("%v", x))
			}
			return sv.Replace(ss)
		case []string:
			return sv.Replace(vv)
		case string:
			return sv.Replace(strings.Split(vv, ","))
		}
	}
	return fs.Set(f.Name, fmt.Sprintf("%v", val))
}

// Limits bounds what a single partition may hold before it reports overflow.
// Zero disables a limit.
type Limits struct {
	MaxEntries int
	MaxBytes   int
}

func (l *Limits) addFlags(fs *pflag.FlagSet) {
	fs.IntVar(&l.MaxEntries, "partition-max-entries", 100_000, "entries a partition holds before it overflows (0 disables)")
	fs.IntVar(&l.MaxBytes, "partition-max-bytes", 64<<20, "bytes a partition holds before it overflows (0 disables)")
}

func addLoggingFlags(l *logger.Logging, fs *pflag.FlagSet) {
	fs.StringVar(&l.Env, "log-env", "prod", "log format: prod (json) or dev (console)")
	fs.StringVar(&l.Level, "log-level", "info", "minimum log level")
}

// Node configures a partition host.
type Node struct {
	NodeID          string
	ListenAddr      string
	PublicAddr      string
	CoordinatorAddr string
	DataDir         string
	DirectoryCache  int
	Limits          Limits
	Logging         logger.Logging
}

// FlagSet returns the node flags bound to n.
func (n *Node) FlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("node", pflag.ContinueOnError)
	fs.StringVar(&n.NodeID, "node-id", "", "unique node id")
	fs.StringVar(&n.ListenAddr, "listen-addr", ":8081", "address to listen on")
	fs.StringVar(&n.PublicAddr, "public-addr", "", "address peers use to reach this node (defaults to listen-addr)")
	fs.StringVar(&n.CoordinatorAddr, "coordinator-addr", "http://127.0.0.1:8080", "coordinator base URL")
	fs.StringVar(&n.DataDir, "data-dir", "", "directory for partition snapshots (empty keeps them in memory)")
	fs.IntVar(&n.DirectoryCache, "directory-cache", 1024, "partition addresses cached for outer relays")
	n.Limits.addFlags(fs)
	addLoggingFlags(&n.Logging, fs)
	return fs
}

// Validate reports missing required settings.
func (n *Node) Validate() error {
	var err error
	if n.NodeID == "" {
		err = multierr.Append(err, errors.New("node-id is required"))
	}
	if n.CoordinatorAddr == "" {
		err = multierr.Append(err, errors.New("coordinator-addr is required"))
	}
	if n.PublicAddr == "" {
		n.PublicAddr = "http://127.0.0.1" + n.ListenAddr
	}
	return err
}

// Coordinator configures the index process.
type Coordinator struct {
	ListenAddr     string
	DataDir        string
	KeyMaterial    string
	Owners         []string
	HealthInterval time.Duration
	Standalone     bool
	Limits         Limits
	Logging        logger.Logging
}

// FlagSet returns the coordinator flags bound to c.
func (c *Coordinator) FlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	fs.StringVar(&c.ListenAddr, "listen-addr", ":8080", "address to listen on")
	fs.StringVar(&c.DataDir, "data-dir", "", "directory for index snapshots (empty keeps them in memory)")
	fs.StringVar(&c.KeyMaterial, "key-material", "", "secret the index signs its own calls with")
	fs.StringSliceVar(&c.Owners, "owners", nil, "identities allowed to mutate through the index")
	fs.DurationVar(&c.HealthInterval, "health-interval", 5*time.Second, "interval between node health checks")
	fs.BoolVar(&c.Standalone, "standalone", false, "host partitions in this process instead of on registered nodes")
	c.Limits.addFlags(fs)
	addLoggingFlags(&c.Logging, fs)
	return fs
}

// Validate reports missing required settings.
func (c *Coordinator) Validate() error {
	var err error
	if c.KeyMaterial == "" {
		err = multierr.Append(err, errors.New("key-material is required"))
	}
	if c.HealthInterval <= 0 {
		err = multierr.Append(err, errors.New("health-interval must be positive"))
	}
	return err
}
