package council

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/go-yaml/yaml"
	"github.com/sirupsen/logrus"
)

// MemberAddress locates one council member.
type MemberAddress struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config holds the council addressbook and optional per-member response
// profile overrides. The member count derives from the addressbook; the
// quorum derives from the member count.
type Config struct {
	Members  map[int]MemberAddress `yaml:"members"`
	Profiles map[int]string        `yaml:"profiles"`
}

// DefaultConfig is the hard-coded nine-member council on localhost,
// ports 8001 through 8009.
func DefaultConfig() *Config {
	cfg := &Config{
		Members:  make(map[int]MemberAddress, 9),
		Profiles: make(map[int]string),
	}
	for id := 1; id <= 9; id++ {
		cfg.Members[id] = MemberAddress{Host: "localhost", Port: 8000 + id}
	}
	return cfg
}

// ReadFile reads a yaml config file. Pass a Config object as reference.
func ReadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// LoadOrDefault reads path if it exists and falls back to the default
// council on any failure or when the file names no members.
func LoadOrDefault(path string) *Config {
	if path == "" {
		return DefaultConfig()
	}
	var cfg Config
	if err := ReadFile(path, &cfg); err != nil {
		if !os.IsNotExist(err) {
			logrus.WithError(err).Warn("Error reading config file, using default council")
		}
		return DefaultConfig()
	}
	if len(cfg.Members) == 0 {
		return DefaultConfig()
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[int]string)
	}
	return &cfg
}

// Quorum is the strict majority of the configured council, including the
// local member.
func (c *Config) Quorum() int {
	return len(c.Members)/2 + 1
}

// Address returns the dialable endpoint of a member. ok is false for
// unknown members and for entries with no usable endpoint.
func (c *Config) Address(id int) (string, bool) {
	a, ok := c.Members[id]
	if !ok || a.Host == "" || a.Port <= 0 {
		return "", false
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)), true
}

// ProfileName resolves the response profile name for a member: an
// explicit override wins, otherwise the default by-id assignment.
func (c *Config) ProfileName(id int) string {
	if name, ok := c.Profiles[id]; ok && name != "" {
		return name
	}
	switch id {
	case 1:
		return "IMMEDIATE"
	case 2:
		return "INTERMITTENT"
	case 3:
		return "UNRELIABLE"
	default:
		return "NORMAL"
	}
}
