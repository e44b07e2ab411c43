// Package config loads the replica configuration from YAML files.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"sigs.k8s.io/yaml"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration written as a string ("500ms") in files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Member is one replica of the static membership.
type Member struct {
	ID      message.NodeID `json:"id"`
	Address string         `json:"address"`
	// PublicKey is the hex ed25519 key. When empty the key derived from
	// the id is used, which is only suitable for local clusters.
	PublicKey string `json:"public_key,omitempty"`
}

// Config holds everything a replica needs to start.
type Config struct {
	NodeID message.NodeID `json:"node_id"`
	// PrivateKeySeed is the hex ed25519 seed of this replica.
	PrivateKeySeed string   `json:"private_key_seed,omitempty"`
	Members        []Member `json:"members"`

	Window           uint64   `json:"window"`
	CheckpointPeriod uint64   `json:"checkpoint_period"`
	BatchSize        int      `json:"batch_size"`
	BatchTimeout     Duration `json:"batch_timeout"`
	MaxOperation     int      `json:"max_operation"`

	BaseTimeout Duration `json:"base_timeout"`
	MaxTimeout  Duration `json:"max_timeout"`
	CstTimeout  Duration `json:"cst_timeout"`

	Codec string `json:"codec"`
	Hash  string `json:"hash"`

	SuspicionThreshold int `json:"suspicion_threshold"`
	VerifyWorkers      int `json:"verify_workers"`
	ChannelBuffer      int `json:"channel_buffer"`
	FutureBuffer       int `json:"future_buffer"`

	MetricsAddr   string `json:"metrics_addr,omitempty"`
	AdmissionAddr string `json:"admission_addr,omitempty"`
	StorePath     string `json:"store_path,omitempty"`
	LogLevel      string `json:"log_level,omitempty"`
}

// DefaultConfig returns a configuration for a single local replica. Members
// must still be filled in.
func DefaultConfig() Config {
	return Config{
		NodeID:             1,
		Window:             40,
		CheckpointPeriod:   10,
		BatchSize:          16,
		BatchTimeout:       Duration(20 * time.Millisecond),
		MaxOperation:       64 * 1024,
		BaseTimeout:        Duration(500 * time.Millisecond),
		MaxTimeout:         Duration(8 * time.Second),
		CstTimeout:         Duration(300 * time.Millisecond),
		Codec:              "msgpack",
		Hash:               "sha256",
		SuspicionThreshold: 5,
		VerifyWorkers:      4,
		ChannelBuffer:      1024,
		FutureBuffer:       4096,
		LogLevel:           "info",
	}
}

// LocalCluster returns the configurations of an n replica cluster on
// loopback ports starting at basePort, with keys derived from the ids.
func LocalCluster(n, basePort int) []Config {
	members := make([]Member, n)
	for i := range members {
		members[i] = Member{
			ID:      message.NodeID(i + 1),
			Address: fmt.Sprintf("tcp://127.0.0.1:%d", basePort+i),
		}
	}
	out := make([]Config, n)
	for i := range out {
		c := DefaultConfig()
		c.NodeID = members[i].ID
		c.Members = append([]Member(nil), members...)
		out[i] = c
	}
	return out
}

// Load reads a YAML file on top of DefaultConfig and validates it.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of DefaultConfig and validates the result.
func Parse(b []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Marshal encodes c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// N returns the membership size.
func (c Config) N() int { return len(c.Members) }

// F returns the number of tolerated faults.
func (c Config) F() int { return (len(c.Members) - 1) / 3 }

// MemberIDs returns the member ids in ascending order.
func (c Config) MemberIDs() []message.NodeID {
	ids := make([]message.NodeID, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Addresses maps every member to its transport address.
func (c Config) Addresses() map[message.NodeID]string {
	out := make(map[message.NodeID]string, len(c.Members))
	for _, m := range c.Members {
		out[m.ID] = m.Address
	}
	return out
}

// Validate reports every problem found in c.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	n := len(c.Members)
	if n == 0 {
		add("no members")
	} else if n != 3*c.F()+1 {
		add("membership of %d is not 3f+1", n)
	}
	seen := make(map[message.NodeID]struct{}, n)
	self := false
	for _, m := range c.Members {
		if _, dup := seen[m.ID]; dup {
			add("duplicate member %s", m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.ID == c.NodeID {
			self = true
		}
		if m.Address == "" {
			add("member %s has no address", m.ID)
		}
	}
	if n > 0 && !self {
		add("own id %s is not a member", c.NodeID)
	}

	if c.CheckpointPeriod == 0 {
		add("checkpoint_period must be positive")
	}
	if c.Window < c.CheckpointPeriod {
		add("window %d is smaller than checkpoint_period %d", c.Window, c.CheckpointPeriod)
	}
	if c.BatchSize <= 0 {
		add("batch_size must be positive")
	}
	if c.BaseTimeout <= 0 || c.CstTimeout <= 0 || c.BatchTimeout <= 0 {
		add("timeouts must be positive")
	}
	if c.MaxTimeout < c.BaseTimeout {
		add("max_timeout %s is below base_timeout %s", c.MaxTimeout.Std(), c.BaseTimeout.Std())
	}
	switch c.Codec {
	case "msgpack", "json":
	default:
		add("unknown codec %q", c.Codec)
	}
	switch c.Hash {
	case "sha256", "blake2b":
	default:
		add("unknown hash %q", c.Hash)
	}
	if c.SuspicionThreshold <= 0 {
		add("suspicion_threshold must be positive")
	}

	if len(errs) == 0 {
		return nil
	}
	return flaterrors.Join(append([]error{ErrInvalidConfig}, errs...)...)
}

// Keyring builds the signing keyring of this replica.
func (c Config) Keyring() (*crypto.Keyring, error) {
	private := crypto.DeterministicKey(c.NodeID)
	if c.PrivateKeySeed != "" {
		seed, err := hex.DecodeString(c.PrivateKeySeed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: private_key_seed must be %d hex bytes", ErrInvalidConfig, ed25519.SeedSize)
		}
		private = ed25519.NewKeyFromSeed(seed)
	}

	kr := crypto.NewKeyring(c.NodeID, private)
	for _, m := range c.Members {
		if m.PublicKey == "" {
			kr.AddPublicKey(m.ID, crypto.DeterministicKey(m.ID).Public().(ed25519.PublicKey))
			continue
		}
		if err := kr.AddPublicKeyHex(m.ID, m.PublicKey); err != nil {
			return nil, fmt.Errorf("member %s: %w", m.ID, err)
		}
	}
	return kr, nil
}
