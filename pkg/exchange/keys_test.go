package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPublicKeys(t *testing.T) {
	a := require.New(t)
	keys, err := publicKeys()
	a.NoError(err)
	a.Len(keys, 2)
	for _, key := range keys {
		a.NotZero(key.Fingerprint())
	}
}
