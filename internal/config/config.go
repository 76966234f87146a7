// Package config reads and validates the talkie.json settings file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/talkie-p2p/talkie/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Media    Media    `json:"media"`
	Chat     Chat     `json:"chat"`
	Profile  Profile  `json:"profile"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
	DataDir string `json:"data_dir"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

// ICEServer is one STUN or TURN entry handed to every peer connection.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

type Media struct {
	StartWithVideo bool        `json:"start_with_video"`
	MaxWidth       int         `json:"max_width"`
	MaxHeight      int         `json:"max_height"`
	ICEServers     []ICEServer `json:"ice_servers"`
}

type Chat struct {
	HistoryLimit int `json:"history_limit"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			DataDir: "data",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "talkie-mdns",
		},
		Media: Media{
			StartWithVideo: true,
			MaxWidth:       640,
			MaxHeight:      480,
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Chat: Chat{
			HistoryLimit: 200,
		},
		Profile: Profile{},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Identity.DataDir) == "" {
		return errors.New("identity.data_dir is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if c.Media.MaxWidth < 16 || c.Media.MaxWidth > 7680 {
		return errors.New("media.max_width must be 16..7680")
	}
	if c.Media.MaxHeight < 16 || c.Media.MaxHeight > 4320 {
		return errors.New("media.max_height must be 16..4320")
	}

	for i, s := range c.Media.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("media.ice_servers[%d]: urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
				!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("media.ice_servers[%d]: unsupported scheme in %q", i, u)
			}
			// TURN without credentials cannot authenticate and only
			// produces confusing allocation errors at call time.
			if (strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:")) &&
				(s.Username == "" || s.Credential == "") {
				return fmt.Errorf("media.ice_servers[%d]: turn server %q requires username and credential", i, u)
			}
		}
	}

	if c.Chat.HistoryLimit < 1 || c.Chat.HistoryLimit > 10000 {
		return errors.New("chat.history_limit must be 1..10000")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
