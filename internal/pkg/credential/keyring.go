package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailrelay"

// Options select keyring backend. An empty Backend lets the library pick
// the first one available on the platform.
type Options struct {
	Backend      string
	FileDir      string
	FilePassword string // Encrypts the file backend; prompted on a terminal when empty.
}

var backends = map[string]keyring.BackendType{
	"keychain":       keyring.KeychainBackend,
	"secret-service": keyring.SecretServiceBackend,
	"wincred":        keyring.WinCredBackend,
	"pass":           keyring.PassBackend,
	"file":           keyring.FileBackend,
}

// Store reads and writes secrets of a single keyring.
type Store struct {
	ring keyring.Keyring
}

func Open(opts Options) (*Store, error) {
	cfg := keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  opts.FileDir,
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	}
	if opts.FilePassword != "" {
		cfg.FilePasswordFunc = keyring.FixedStringPrompt(opts.FilePassword)
	}
	if opts.Backend != "" {
		backend, ok := backends[opts.Backend]
		if !ok {
			return nil, fmt.Errorf("unknown keyring backend %q", opts.Backend)
		}
		cfg.AllowedBackends = []keyring.BackendType{backend}
	}

	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}

	return &Store{ring: ring}, nil
}

func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

func (s *Store) Set(key string, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}
