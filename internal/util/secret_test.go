package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := SealSecret("master-key", "arista-password")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed), "加密结果应携带前缀")
	assert.NotContains(t, sealed, "arista-password", "密文不应包含明文口令")

	plain, err := OpenSecret("master-key", sealed)
	require.NoError(t, err)
	assert.Equal(t, "arista-password", plain, "解密后应还原原始口令")
}

func TestSealSecretRandomized(t *testing.T) {
	a, err := SealSecret("master-key", "same-value")
	require.NoError(t, err)
	b, err := SealSecret("master-key", "same-value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "相同明文两次加密应产生不同密文")
}

func TestSealSecretWithoutMasterKey(t *testing.T) {
	// 未配置主密钥时保持明文直通
	sealed, err := SealSecret("", "plain-password")
	require.NoError(t, err)
	assert.Equal(t, "plain-password", sealed)
	assert.False(t, IsSealed(sealed))

	plain, err := OpenSecret("", "plain-password")
	require.NoError(t, err)
	assert.Equal(t, "plain-password", plain, "无前缀的历史明文应原样返回")
}

func TestOpenSecretWrongKey(t *testing.T) {
	sealed, err := SealSecret("key-one", "secret")
	require.NoError(t, err)

	_, err = OpenSecret("key-two", sealed)
	assert.Error(t, err, "错误的主密钥应解密失败")
}

func TestOpenSecretMissingKey(t *testing.T) {
	sealed, err := SealSecret("key-one", "secret")
	require.NoError(t, err)

	_, err = OpenSecret("", sealed)
	assert.Error(t, err, "存在密文但主密钥未配置时应报错")
}

func TestOpenSecretCorrupted(t *testing.T) {
	_, err := OpenSecret("key", "enc:v1:!!!not-base64!!!")
	assert.Error(t, err)

	_, err = OpenSecret("key", "enc:v1:AAAA")
	assert.Error(t, err, "长度不足的密文应报错")
}
