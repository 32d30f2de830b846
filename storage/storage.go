// Package storage archives raw inbound iTIP messages in S3-compatible object
// storage.
//
// Objects are content addressed: the key is <domain>/<localpart>/<blake3>,
// so a message delivered twice to the same account is stored once. When
// encryption is enabled, bodies are sealed client-side with AES-256-GCM
// (random nonce prepended to the ciphertext) before upload.
//
// Uploads run behind a circuit breaker and are retried with exponential
// backoff; an open breaker fails fast so LMTP delivery is not held up by an
// unavailable S3 endpoint.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/helpers"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/circuitbreaker"
	"github.com/migadu/soracal/pkg/metrics"
	"github.com/migadu/soracal/pkg/retry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte

	breaker *circuitbreaker.CircuitBreaker
	backoff retry.BackoffConfig
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultSettings("s3", 5, 30*time.Second, 1)),
		backoff: retry.BackoffConfig{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
			Jitter:          true,
			MaxRetries:      3,
		},
	}, nil
}

// NewFromConfig builds the archive from the [s3] section.
func NewFromConfig(cfg config.S3Config) (*S3Storage, error) {
	s, err := New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, !cfg.DisableTLS, cfg.Debug)
	if err != nil {
		return nil, err
	}
	if cfg.Encrypt {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableEncryption enables client-side encryption for S3 storage
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("STORAGE: Client-side encryption enabled")
	return nil
}

// Archive stores raw under the content address for email and returns the key.
// Already archived content is not uploaded again.
func (s *S3Storage) Archive(ctx context.Context, email string, raw []byte) (string, error) {
	key := helpers.NewS3Key(email, helpers.HashContent(raw))

	exists, _, err := s.Exists(ctx, key)
	if err != nil {
		logger.Warn("STORAGE: existence check failed, uploading anyway", "key", key, "error", err)
	} else if exists {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "skipped").Inc()
		return key, nil
	}

	err = retry.WithRetryAdvanced(ctx, func() error {
		err := circuitbreaker.Do(ctx, s.breaker, func(ctx context.Context) error {
			return s.Put(ctx, key, raw)
		})
		if circuitbreaker.IsOpen(err) || isPermanent(err) {
			return retry.Stop(err)
		}
		return err
	}, s.backoff)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", consts.ErrS3UploadFailed, key, err)
	}
	return key, nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, string, error) {
	objInfo, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, objInfo.VersionID, nil
	}
	if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return false, "", nil
	}
	return false, "", fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads data, encrypting it first when encryption is enabled.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	}()

	if s.Encrypt {
		sealed, err := encryptData(s.EncryptionKey, data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		data = sealed
	}

	_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{SendContentMd5: true, ContentType: "message/rfc822"})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("PUT", classifyS3Error(err)).Inc()
		return err
	}
	metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	return nil
}

// Fetch returns the (decrypted) archived message.
func (s *S3Storage) Fetch(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	}()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", classifyS3Error(err)).Inc()
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", classifyS3Error(err)).Inc()
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if s.Encrypt {
		data, err = decryptData(s.EncryptionKey, data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "decryption_error").Inc()
			return nil, fmt.Errorf("failed to decrypt data: %w", err)
		}
	}
	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	return data, nil
}

// Delete removes an object; missing objects are not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
	}()

	exists, versionID, err := s.Exists(ctx, key)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", classifyS3Error(err)).Inc()
		return err
	}
	if !exists {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		return nil
	}
	err = s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{VersionID: versionID})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", classifyS3Error(err)).Inc()
		return err
	}
	metrics.S3OperationsTotal.WithLabelValues("DELETE", "success").Inc()
	return nil
}

// S3Object represents an S3 object in list results
type S3Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListObjects lists archived messages under prefix (e.g. "example.com/alice/").
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) (<-chan S3Object, <-chan error) {
	objectCh := make(chan S3Object)
	errCh := make(chan error, 1)

	go func() {
		defer close(objectCh)
		defer close(errCh)

		for object := range s.Client.ListObjects(ctx, s.BucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if object.Err != nil {
				errCh <- object.Err
				return
			}
			select {
			case objectCh <- S3Object{Key: object.Key, Size: object.Size, LastModified: object.LastModified}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return objectCh, errCh
}

// Ping reports whether the bucket is reachable.
func (s *S3Storage) Ping(ctx context.Context) error {
	ok, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.BucketName)
	}
	return nil
}

// encryptData seals plaintext with AES-256-GCM; the nonce is prepended.
func encryptData(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptData(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.Code == "AccessDenied":
		return "access_denied"
	case resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return "not_found"
	case resp.Code == "SlowDown" || resp.StatusCode == http.StatusServiceUnavailable:
		return "throttled"
	case resp.StatusCode == 0:
		return "network_error"
	default:
		return "error"
	}
}

// isPermanent reports failures that retrying cannot fix.
func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	switch classifyS3Error(err) {
	case "access_denied", "not_found", "canceled":
		return true
	}
	return false
}
