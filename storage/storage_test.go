package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestEncryptRoundTrip(t *testing.T) {
	plain := []byte("BEGIN:VCALENDAR\r\nMETHOD:REQUEST\r\nEND:VCALENDAR\r\n")

	sealed, err := encryptData(testKey, plain)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "VCALENDAR")

	again, err := encryptData(testKey, plain)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ between uploads")

	opened, err := decryptData(testKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestDecryptRejectsTampering(t *testing.T) {
	sealed, err := encryptData(testKey, []byte("hello"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = decryptData(testKey, sealed)
	assert.Error(t, err)

	_, err = decryptData(testKey, []byte("short"))
	assert.Error(t, err)

	other := []byte("fedcba9876543210fedcba9876543210")
	good, _ := encryptData(testKey, []byte("hello"))
	_, err = decryptData(other, good)
	assert.Error(t, err)
}

func TestEnableEncryption(t *testing.T) {
	s := &S3Storage{}
	assert.Error(t, s.EnableEncryption(""))
	assert.Error(t, s.EnableEncryption("zz"))
	assert.Error(t, s.EnableEncryption(hex.EncodeToString([]byte("too short"))))

	require.NoError(t, s.EnableEncryption(hex.EncodeToString(testKey)))
	assert.True(t, s.Encrypt)
	assert.Equal(t, testKey, s.EncryptionKey)
}

func TestClassifyS3Error(t *testing.T) {
	assert.Equal(t, "timeout", classifyS3Error(context.DeadlineExceeded))
	assert.Equal(t, "access_denied", classifyS3Error(minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied"}))
	assert.Equal(t, "not_found", classifyS3Error(minio.ErrorResponse{StatusCode: 404, Code: "NoSuchBucket"}))
	assert.Equal(t, "throttled", classifyS3Error(minio.ErrorResponse{StatusCode: 503, Code: "SlowDown"}))
	assert.Equal(t, "network_error", classifyS3Error(errors.New("dial tcp: connection refused")))

	assert.True(t, isPermanent(minio.ErrorResponse{StatusCode: 403}))
	assert.False(t, isPermanent(minio.ErrorResponse{StatusCode: 500, Code: "InternalError"}))
	assert.False(t, isPermanent(nil))
}
