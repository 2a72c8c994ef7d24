package hipaa

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
)

// Versioned ciphertext layout: "v<version>:" followed by the sealed bytes.
var (
	keyVersionPrefix    = []byte("v")
	keyVersionSeparator = byte(':')
)

// Keyring seals with the current key and opens with any registered version,
// so records written before a key rotation stay readable.
type Keyring struct {
	mu         sync.RWMutex
	current    *PHIEncryptor
	currentVer int
	previous   map[int]*PHIEncryptor
}

func NewKeyring(currentKey []byte, currentVersion int) (*Keyring, error) {
	if currentVersion < 1 {
		return nil, fmt.Errorf("keyring: version must be >= 1, got %d", currentVersion)
	}
	enc, err := NewPHIEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: current key: %w", err)
	}
	return &Keyring{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*PHIEncryptor),
	}, nil
}

// AddPreviousKey registers a retired key for decryption only.
func (k *Keyring) AddPreviousKey(key []byte, version int) error {
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return fmt.Errorf("keyring: previous key v%d: %w", version, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if version == k.currentVer {
		return fmt.Errorf("keyring: version %d is the current key", version)
	}
	k.previous[version] = enc
	return nil
}

func (k *Keyring) Seal(plaintext, aad []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	sealed, err := k.current.Seal(plaintext, aad)
	if err != nil {
		return nil, err
	}

	header := strconv.AppendInt(append([]byte{}, keyVersionPrefix...), int64(k.currentVer), 10)
	header = append(header, keyVersionSeparator)
	return append(header, sealed...), nil
}

func (k *Keyring) Open(data, aad []byte) ([]byte, error) {
	version, sealed, err := parseVersioned(data)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	if version == k.currentVer {
		return k.current.Open(sealed, aad)
	}
	enc, ok := k.previous[version]
	if !ok {
		return nil, fmt.Errorf("no key available for version %d", version)
	}
	return enc.Open(sealed, aad)
}

// NeedsReEncryption reports whether data was sealed with a retired key.
func (k *Keyring) NeedsReEncryption(data []byte) bool {
	version, _, err := parseVersioned(data)
	if err != nil {
		return true
	}
	return version != k.CurrentVersion()
}

// ReEncrypt opens data with whichever key sealed it and seals it again with
// the current key.
func (k *Keyring) ReEncrypt(data, aad []byte) ([]byte, error) {
	plaintext, err := k.Open(data, aad)
	if err != nil {
		return nil, fmt.Errorf("re-encrypt: decrypt: %w", err)
	}
	return k.Seal(plaintext, aad)
}

func (k *Keyring) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.currentVer
}

// KeyVersion returns the version header of sealed data.
func KeyVersion(data []byte) (int, error) {
	v, _, err := parseVersioned(data)
	return v, err
}

func parseVersioned(data []byte) (int, []byte, error) {
	if !bytes.HasPrefix(data, keyVersionPrefix) {
		return 0, nil, fmt.Errorf("ciphertext has no key version prefix")
	}
	idx := bytes.IndexByte(data, keyVersionSeparator)
	if idx < 0 {
		return 0, nil, fmt.Errorf("ciphertext has no key version separator")
	}
	version, err := strconv.Atoi(string(data[len(keyVersionPrefix):idx]))
	if err != nil || version < 1 {
		return 0, nil, fmt.Errorf("invalid key version %q", data[len(keyVersionPrefix):idx])
	}
	return version, data[idx+1:], nil
}
