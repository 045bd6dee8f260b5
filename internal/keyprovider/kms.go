package keyprovider

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/circuitbreaker"
)

const (
	envelopeVersion byte = 1

	// maxDataKeyBlob is the largest ciphertext blob KMS produces or accepts.
	maxDataKeyBlob = 6144
	minSealedBody  = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	DescribeKey(ctx context.Context, in *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// KMSConfig holds configuration for KMSProvider.
type KMSConfig struct {
	KeyID    string
	Region   string
	Endpoint string // Optional custom endpoint (LocalStack)
	Logger   *zap.Logger
}

// KMSProvider performs envelope encryption: a fresh AES-256 data key is generated by KMS
// for every Seal and used locally with XChaCha20-Poly1305.
//
// Sealed layout: version(1) || len(blob) uint16 || encrypted data key blob || nonce || ciphertext || tag.
// The aad is also bound into the KMS encryption context, so a data key cannot be
// unwrapped for a different purpose.
type KMSProvider struct {
	client  KMSAPI
	keyID   string
	breaker *circuitbreaker.CircuitBreaker
}

// NewKMSProvider creates a provider backed by AWS KMS using the default credential chain.
func NewKMSProvider(ctx context.Context, cfg KMSConfig) (*KMSProvider, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("keyprovider: kms key id is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewKMSProviderWithClient(client, cfg.KeyID, cfg.Logger), nil
}

// NewKMSProviderWithClient wraps an existing KMS client.
func NewKMSProviderWithClient(client KMSAPI, keyID string, logger *zap.Logger) *KMSProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := circuitbreaker.NewCircuitBreaker("kms", circuitbreaker.GetKMSConfig().ToConfig(), logger)
	circuitbreaker.GlobalMetricsCollector.RegisterCircuitBreaker("kms", "keyprovider", cb)
	return &KMSProvider{client: client, keyID: keyID, breaker: cb}
}

func (p *KMSProvider) KeyID() string { return p.keyID }

func (p *KMSProvider) Seal(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	var out *kms.GenerateDataKeyOutput
	err := p.call(ctx, func() error {
		var err error
		out, err = p.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:             aws.String(p.keyID),
			KeySpec:           types.DataKeySpecAes256,
			EncryptionContext: encryptionContext(aad),
		})
		return err
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(out.CiphertextBlob) == 0 || len(out.CiphertextBlob) > maxDataKeyBlob {
		return nil, fmt.Errorf("keyprovider: data key blob has unexpected size (%d bytes)", len(out.CiphertextBlob))
	}

	body, err := sealXChaCha(out.Plaintext, plaintext, aad)
	clear(out.Plaintext)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, 3+len(out.CiphertextBlob)+len(body))
	sealed = append(sealed, envelopeVersion)
	sealed = binary.BigEndian.AppendUint16(sealed, uint16(len(out.CiphertextBlob)))
	sealed = append(sealed, out.CiphertextBlob...)
	sealed = append(sealed, body...)
	return sealed, nil
}

func (p *KMSProvider) Open(ctx context.Context, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < 3 || sealed[0] != envelopeVersion {
		return nil, ErrIntegrity
	}
	// Envelopes KMS could never have produced are refused before any KMS call.
	n := int(binary.BigEndian.Uint16(sealed[1:3]))
	if n == 0 || n > maxDataKeyBlob || len(sealed) < 3+n+minSealedBody {
		return nil, ErrIntegrity
	}
	blob, body := sealed[3:3+n], sealed[3+n:]

	var out *kms.DecryptOutput
	err := p.call(ctx, func() error {
		var err error
		out, err = p.client.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob:    blob,
			KeyId:             aws.String(p.keyID),
			EncryptionContext: encryptionContext(aad),
		})
		return err
	}, isCallerFault)
	if err != nil {
		return nil, err
	}
	defer clear(out.Plaintext)
	return openXChaCha(out.Plaintext, body, aad)
}

// Describe reports whether the configured key exists and is enabled.
func (p *KMSProvider) Describe(ctx context.Context) error {
	return p.call(ctx, func() error {
		out, err := p.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(p.keyID)})
		if err != nil {
			return err
		}
		if out.KeyMetadata == nil || !out.KeyMetadata.Enabled {
			return &types.DisabledException{Message: aws.String("key is not enabled")}
		}
		return nil
	}, nil)
}

// call runs fn through the breaker and maps KMS errors onto ErrIntegrity / ErrKeyUnavailable.
// Errors callerFault accepts are answers about the caller's ciphertext: they map to
// ErrIntegrity and do not count against the breaker. callerFault may be nil.
func (p *KMSProvider) call(ctx context.Context, fn func() error, callerFault func(error) bool) error {
	if callerFault == nil {
		callerFault = func(error) bool { return false }
	}
	err := p.breaker.ExecuteClassified(ctx, fn, func(err error) bool {
		return !callerFault(err)
	})
	circuitbreaker.GlobalMetricsCollector.RecordRequest("kms", "keyprovider", p.breaker.State(), err == nil)

	switch {
	case err == nil:
		return nil
	case callerFault(err):
		return ErrIntegrity
	default:
		return fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
}

// isCallerFault reports whether KMS refused the request because of its ciphertext:
// authentication failed, or the blob did not pass request validation.
func isCallerFault(err error) bool {
	var invalid *types.InvalidCiphertextException
	var incorrect *types.IncorrectKeyException
	if errors.As(err, &invalid) || errors.As(err, &incorrect) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException"
}

func encryptionContext(aad []byte) map[string]string {
	return map[string]string{
		"purpose": "shannon-callback-url",
		"aad":     base64.RawURLEncoding.EncodeToString(aad),
	}
}
