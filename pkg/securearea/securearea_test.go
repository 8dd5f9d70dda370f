package securearea

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftwareCreateSignDelete(t *testing.T) {
	area := NewSoftware()

	info, err := area.CreateKey()
	require.NoError(t, err)
	assert.NotEmpty(t, info.Alias)
	assert.NotNil(t, info.PublicKey)

	digest := sha256.Sum256([]byte("hello"))
	sig, err := area.Sign(info.Alias, digest[:])
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(info.PublicKey, digest[:], sig))

	require.NoError(t, area.DeleteKey(info.Alias))
	_, err = area.GetKeyInfo(info.Alias)
	assert.Error(t, err)
}

func TestSoftwareListAliases(t *testing.T) {
	area := NewSoftware()

	a, err := area.CreateKey()
	require.NoError(t, err)
	b, err := area.CreateKey()
	require.NoError(t, err)

	aliases, err := area.ListAliases()
	require.NoError(t, err)
	assert.Contains(t, aliases, a.Alias)
	assert.Contains(t, aliases, b.Alias)

	require.NoError(t, area.DeleteKey(a.Alias))
	aliases, err = area.ListAliases()
	require.NoError(t, err)
	assert.NotContains(t, aliases, a.Alias)
	assert.Contains(t, aliases, b.Alias)
}
