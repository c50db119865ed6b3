package secure

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeal_Reveal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		plain string
		empty bool
	}{
		{name: "password", plain: "my-secret-password"},
		{name: "empty", plain: "", empty: true},
		{name: "binary", plain: string([]byte{0x00, 0xFF, 0x10, 0x20})},
		{name: "multiline", plain: "-----BEGIN KEY-----\nabc\n-----END KEY-----"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := Seal(tt.plain)
			assert.Equal(t, tt.empty, v.Empty())

			got, err := v.Reveal()
			require.NoError(t, err)
			assert.Equal(t, tt.plain, got)

			again, err := v.Reveal()
			require.NoError(t, err)
			assert.Equal(t, tt.plain, again, "reveal does not consume the value")
		})
	}
}

func TestValue_Destroy(t *testing.T) {
	t.Parallel()

	v := Seal("s3cr3t")
	v.Destroy()
	v.Destroy()

	_, err := v.Reveal()
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.True(t, v.Empty())
}

func TestValue_ConcurrentReveal(t *testing.T) {
	t.Parallel()

	v := Seal("shared-secret")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := v.Reveal()
			assert.NoError(t, err)
			assert.Equal(t, "shared-secret", got)
		}()
	}
	wg.Wait()
}
