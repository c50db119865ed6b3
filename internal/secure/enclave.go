package secure

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned by Reveal after Destroy.
var ErrDestroyed = errors.New("sealed value was destroyed")

// Value is one sealed secret. The zero value holds "".
type Value struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// Seal copies plain into an encrypted enclave.
func Seal(plain string) *Value {
	v := &Value{}
	if plain != "" {
		v.enclave = memguard.NewEnclave([]byte(plain))
	}
	return v
}

// Reveal decrypts the value. The locked buffer used for decryption is wiped
// before returning.
func (v *Value) Reveal() (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.destroyed {
		return "", ErrDestroyed
	}
	if v.enclave == nil {
		return "", nil
	}
	buf, err := v.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open enclave: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// Empty reports whether the sealed value is "".
func (v *Value) Empty() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enclave == nil
}

// Destroy drops the enclave. It is idempotent.
func (v *Value) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enclave = nil
	v.destroyed = true
}
