package memberlist

import "sync"

// Keyring manages an ordered list of encryption keys, with one designated
// primary used for encrypting outbound traffic. Every key in the ring is
// tried, in order, when decrypting an inbound message, so a rotation can
// proceed without a flag day: install the new key everywhere, switch the
// primary everywhere, then remove the old key everywhere.
type Keyring struct {
	l sync.RWMutex

	// keys[0] is always the primary. Order otherwise reflects install
	// order, oldest first after the primary.
	keys [][]byte
}

// NewKeyring builds a ring from keys, with primaryKey (or keys[0] if
// primaryKey is nil) installed first.
func NewKeyring(keys [][]byte, primaryKey []byte) (*Keyring, error) {
	k := &Keyring{}
	if len(keys) > 0 || len(primaryKey) > 0 {
		if len(primaryKey) == 0 {
			primaryKey = keys[0]
		}
		if err := validateKeyLen(primaryKey); err != nil {
			return nil, err
		}
		k.keys = [][]byte{primaryKey}
		for _, key := range keys {
			if err := k.installKeyLocked(key); err != nil {
				return nil, err
			}
		}
	}
	return k, nil
}

func validateKeyLen(key []byte) error {
	switch len(key) {
	case 16, 24, 32:
		return nil
	default:
		return ErrInvalidKeyLength
	}
}

func (k *Keyring) installKeyLocked(key []byte) error {
	if err := validateKeyLen(key); err != nil {
		return err
	}
	for _, existing := range k.keys {
		if keysEqual(existing, key) {
			return nil
		}
	}
	k.keys = append(k.keys, key)
	return nil
}

func keysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AddKey installs key into the ring without changing the primary. A
// repeat of an already-installed key is a no-op.
func (k *Keyring) AddKey(key []byte) error {
	k.l.Lock()
	defer k.l.Unlock()
	return k.installKeyLocked(key)
}

// UseKey promotes an already-installed key to primary. The key must have
// been added first via AddKey.
func (k *Keyring) UseKey(key []byte) error {
	k.l.Lock()
	defer k.l.Unlock()

	if keysEqual(k.keys[0], key) {
		return nil
	}
	for i, existing := range k.keys {
		if keysEqual(existing, key) {
			promoted := k.keys[i]
			copy(k.keys[1:i+1], k.keys[:i])
			k.keys[0] = promoted
			return nil
		}
	}
	return ErrPrimaryKeyNotFound
}

// RemoveKey deletes key from the ring. Removing the current primary is
// rejected; callers must UseKey a different key first.
func (k *Keyring) RemoveKey(key []byte) error {
	k.l.Lock()
	defer k.l.Unlock()

	if keysEqual(k.keys[0], key) {
		return ErrRemovePrimaryKey
	}
	for i, existing := range k.keys {
		if keysEqual(existing, key) {
			k.keys = append(k.keys[:i], k.keys[i+1:]...)
			return nil
		}
	}
	return nil
}

// GetPrimaryKey returns the current primary encryption key, or nil if
// encryption is disabled.
func (k *Keyring) GetPrimaryKey() []byte {
	k.l.RLock()
	defer k.l.RUnlock()
	if len(k.keys) == 0 {
		return nil
	}
	return k.keys[0]
}

// GetKeys returns every key in the ring, primary first.
func (k *Keyring) GetKeys() [][]byte {
	k.l.RLock()
	defer k.l.RUnlock()
	out := make([][]byte, len(k.keys))
	copy(out, k.keys)
	return out
}
