package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"gopkg.in/yaml.v3"
)

const desiredFile = "desired.yaml"

// MTProtoState is the desired configuration of the MTProto relay.
type MTProtoState struct {
	Port    int                  `yaml:"port"`
	Workers int                  `yaml:"workers"`
	Tag     string               `yaml:"tag,omitempty"`
	Secrets []models.SecretEntry `yaml:"secrets"`
}

// Socks5State is the desired configuration of the SOCKS5 relay.
type Socks5State struct {
	Port     int                   `yaml:"port"`
	Accounts []models.AccountEntry `yaml:"accounts"`
}

// DesiredState is the node's desired-credential file. It is the only
// source the relays are launched from.
type DesiredState struct {
	MTProto MTProtoState `yaml:"mtproto"`
	Socks5  Socks5State  `yaml:"socks5"`
}

func (s *DesiredState) secretIndex(secret string) int {
	for i, e := range s.MTProto.Secrets {
		if e.Secret == secret {
			return i
		}
	}
	return -1
}

func (s *DesiredState) accountIndex(username string) int {
	for i, a := range s.Socks5.Accounts {
		if a.Username == username {
			return i
		}
	}
	return -1
}

func (s *DesiredState) clone() *DesiredState {
	c := *s
	c.MTProto.Secrets = append([]models.SecretEntry(nil), s.MTProto.Secrets...)
	c.Socks5.Accounts = append([]models.AccountEntry(nil), s.Socks5.Accounts...)
	return &c
}

// StateFile reads and atomically replaces the desired-credential file.
type StateFile struct {
	path string
}

func NewStateFile(dataDir string) *StateFile {
	return &StateFile{path: filepath.Join(dataDir, desiredFile)}
}

func (f *StateFile) Path() string { return f.path }

// Load reads the file. A missing file yields defaults.
func (f *StateFile) Load(defaults DesiredState) (*DesiredState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		d := defaults
		return &d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read desired state: %w", err)
	}

	state := defaults
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse desired state %s: %w", f.path, err)
	}
	return &state, nil
}

// Save replaces the file atomically.
func (f *StateFile) Save(state *DesiredState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode desired state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := renameio.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("write desired state: %w", err)
	}
	return nil
}
