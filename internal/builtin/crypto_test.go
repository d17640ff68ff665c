package builtin

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/schema"
)

func invokeCrypto(t *testing.T, action string, params map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := NewCryptoProvider().Invoke(context.Background(), action, params)
	if err != nil {
		return nil, err
	}
	result, ok := out.(map[string]any)
	require.True(t, ok, "crypto provider must return a map")
	return result, nil
}

func TestCrypto_HashSHA256(t *testing.T) {
	result, err := invokeCrypto(t, "hash", map[string]any{"data": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", result["hash"])
	assert.Equal(t, "sha256", result["algorithm"])
}

func TestCrypto_HashAlgorithms(t *testing.T) {
	for _, alg := range []string{"sha256", "sha384", "sha512", "sha1", "md5"} {
		result, err := invokeCrypto(t, "hash", map[string]any{"data": "x", "algorithm": alg})
		require.NoError(t, err, alg)
		assert.Equal(t, alg, result["algorithm"])
		assert.NotEmpty(t, result["hash"])
	}
}

func TestCrypto_HashUnsupportedAlgorithm(t *testing.T) {
	_, err := invokeCrypto(t, "hash", map[string]any{"data": "x", "algorithm": "crc32"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCrypto_HMAC(t *testing.T) {
	result, err := invokeCrypto(t, "hmac", map[string]any{
		"data": "The quick brown fox jumps over the lazy dog",
		"key":  "key",
	})
	require.NoError(t, err)
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", result["hmac"])
}

func TestCrypto_HMACRequiresKey(t *testing.T) {
	_, err := invokeCrypto(t, "hmac", map[string]any{"data": "x"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCrypto_HashRequiresData(t *testing.T) {
	_, err := invokeCrypto(t, "hash", map[string]any{"data": 42})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCrypto_UUID(t *testing.T) {
	result, err := invokeCrypto(t, "uuid", nil)
	require.NoError(t, err)

	parsed, err := uuid.Parse(result["uuid"].(string))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())

	second, err := invokeCrypto(t, "uuid", nil)
	require.NoError(t, err)
	assert.NotEqual(t, result["uuid"], second["uuid"])
}

func TestCrypto_UnknownAction(t *testing.T) {
	_, err := invokeCrypto(t, "encrypt", map[string]any{"data": "x"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCapabilityMismatch))
}
