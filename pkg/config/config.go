package config

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/upmem/dpudbg/pkg/dpu"
	"github.com/upmem/dpudbg/pkg/driver/sim"
)

const (
	configDir  string = ".dpudbg"
	configFile string = "config.yml"

	// configDirEnv overrides the directory holding the configuration file.
	configDirEnv = "DPUDBG_CONFIG_DIR"
)

// Backends.
const (
	BackendSim  = "sim"
	BackendLink = "link"
)

const (
	DefaultLinkAddress   = "127.0.0.1:4242"
	DefaultBootTimeout   = 10 * time.Second
	DefaultIRAMCacheSize = 4096
)

// Topology describes the ranks modelled by the simulator. Zero fields take
// the simulator defaults.
type Topology struct {
	Slices          int `yaml:"slices"`
	MembersPerSlice int `yaml:"members-per-slice"`
	Threads         int `yaml:"threads"`
	Registers       int `yaml:"registers"`
	// Memory sizes, in instructions, words and bytes respectively.
	IRAMSize uint32 `yaml:"iram-size"`
	WRAMSize uint32 `yaml:"wram-size"`
	MRAMSize uint32 `yaml:"mram-size"`
	// Quantum is the number of instructions run per poll.
	Quantum int `yaml:"quantum"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Backend selects the rank driver: "sim" or "link".
	Backend string `yaml:"backend"`
	// Profile selects the rank to open.
	Profile string `yaml:"profile"`
	// LinkAddress is the address of the rank server used by the link
	// backend, and the address served by "dpudbg serve".
	LinkAddress string `yaml:"link-address"`
	// LockDir holds the lock files of the simulated ranks. Ranks are not
	// locked across processes when empty.
	LockDir string `yaml:"lock-dir"`
	// BootTimeout bounds the time spent waiting for a core to boot.
	BootTimeout time.Duration `yaml:"boot-timeout"`
	// ExitStatusRegister is the register of thread 0 holding the exit status.
	ExitStatusRegister *int `yaml:"exit-status-register,omitempty"`
	// IRAMCacheSize is the number of instructions cached by the link client.
	// Zero or less disables the cache.
	IRAMCacheSize *int `yaml:"iram-cache-size,omitempty"`
	// MetricsAddress enables the prometheus endpoint of "dpudbg serve".
	MetricsAddress string `yaml:"metrics-address"`
	// Simulator topology.
	Topology *Topology `yaml:"topology,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// Missing options are set to their defaults.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return Default()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return Default()
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return Default()
		}
	}

	c, err := Read(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return Default()
	}
	return c
}

// Read decodes the configuration file at path and fills in the defaults.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %v", path, err)
	}
	return &c, nil
}

// Default returns the default configuration.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendSim
	}
	if c.LinkAddress == "" {
		c.LinkAddress = DefaultLinkAddress
	}
	if c.BootTimeout == 0 {
		c.BootTimeout = DefaultBootTimeout
	}
}

// Validate checks the option values.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSim, BackendLink:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.BootTimeout < 0 {
		return fmt.Errorf("negative boot timeout %v", c.BootTimeout)
	}
	if c.ExitStatusRegister != nil && *c.ExitStatusRegister < 0 {
		return fmt.Errorf("negative exit status register %d", *c.ExitStatusRegister)
	}
	return nil
}

// ExitRegister returns the exit status register.
func (c *Config) ExitRegister() int {
	if c.ExitStatusRegister == nil {
		return 0
	}
	return *c.ExitStatusRegister
}

// CacheSize returns the number of instructions cached by the link client.
func (c *Config) CacheSize() int {
	if c.IRAMCacheSize == nil {
		return DefaultIRAMCacheSize
	}
	return *c.IRAMCacheSize
}

// SimConfig returns the configuration of the simulated ranks.
func (c *Config) SimConfig() sim.Config {
	cfg := sim.Config{Description: sim.DefaultDescription, LockDir: c.LockDir}
	t := c.Topology
	if t == nil {
		return cfg
	}
	d := &cfg.Description
	setInt(&d.NrSlices, t.Slices)
	setInt(&d.NrMembersPerSlice, t.MembersPerSlice)
	setInt(&d.NrThreads, t.Threads)
	setInt(&d.NrRegisters, t.Registers)
	setUint32(&d.IRAMSize, t.IRAMSize)
	setUint32(&d.WRAMSize, t.WRAMSize)
	setUint32(&d.MRAMSize, t.MRAMSize)
	cfg.Quantum = t.Quantum
	return cfg
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setUint32(dst *uint32, v uint32) {
	if v != 0 {
		*dst = v
	}
}

// OpenConfig returns the options used to open a rank.
func (c *Config) OpenConfig() dpu.OpenConfig {
	return dpu.OpenConfig{Profile: c.Profile, ExitStatusRegister: c.ExitRegister()}
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	err = writeDefaultConfig(f)
	if err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for dpudbg.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Rank driver: "sim" runs ranks in process, "link" connects to "dpudbg serve".
# backend: sim

# Rank profile to open.
# profile: ""

# Address of the rank server.
# link-address: 127.0.0.1:4242

# Directory of the simulated rank lock files. Ranks are not locked across
# processes when unset.
# lock-dir: /tmp/dpudbg

# Time allowed for a core to reach its first instruction.
# boot-timeout: 10s

# Register of thread 0 holding the exit status of a program.
# exit-status-register: 0

# Number of instructions cached by the link backend, 0 disables the cache.
# iram-cache-size: 4096

# Address of the prometheus endpoint of "dpudbg serve".
# metrics-address: 127.0.0.1:9242

# Topology of the simulated ranks.
# topology:
#   slices: 8
#   members-per-slice: 8
#   threads: 24
#   registers: 24
#   iram-size: 4096
#   wram-size: 16384
#   mram-size: 1048576
#   quantum: 256
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv(configDirEnv); dir != "" {
		return path.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
