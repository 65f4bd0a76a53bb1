package memberlist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteKeyringFile persists the ring's keys (primary first, base64
// encoded) to path, using a temp-file-then-rename so a crash mid-write
// never leaves a truncated keyring on disk.
func WriteKeyringFile(path string, k *Keyring) error {
	keys := k.GetKeys()
	encoded := make([]string, len(keys))
	for i, key := range keys {
		encoded[i] = base64.StdEncoding.EncodeToString(key)
	}

	buf, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return fmt.Errorf("memberlist: failed to encode keyring: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("memberlist: failed to create keyring temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("memberlist: failed to write keyring temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("memberlist: failed to sync keyring temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memberlist: failed to close keyring temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memberlist: failed to chmod keyring temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memberlist: failed to install keyring file: %w", err)
	}
	return nil
}

// LoadKeyringFile reads a keyring previously written by WriteKeyringFile
// and builds a Keyring from it, primary first.
func LoadKeyringFile(path string) (*Keyring, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memberlist: failed to read keyring file: %w", err)
	}

	var encoded []string
	if err := json.Unmarshal(buf, &encoded); err != nil {
		return nil, fmt.Errorf("memberlist: failed to decode keyring file: %w", err)
	}
	if len(encoded) == 0 {
		return nil, fmt.Errorf("memberlist: keyring file %s contains no keys", path)
	}

	keys := make([][]byte, len(encoded))
	for i, s := range encoded {
		key, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("memberlist: failed to decode keyring entry %d: %w", i, err)
		}
		keys[i] = key
	}

	return NewKeyring(keys, keys[0])
}
