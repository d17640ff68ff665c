package builtin

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/providers"
	"github.com/skein-dev/skein/pkg/schema"
)

const cryptoHashInputSchema = `{
  "type": "object",
  "properties": {
    "data": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256","sha384","sha512","sha1","md5"], "default": "sha256"}
  },
  "required": ["data"]
}`

const cryptoHashOutputSchema = `{
  "type": "object",
  "properties": {
    "hash": {"type": "string"},
    "algorithm": {"type": "string"}
  }
}`

const cryptoHMACInputSchema = `{
  "type": "object",
  "properties": {
    "data": {"type": "string"},
    "key": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256","sha384","sha512","sha1","md5"], "default": "sha256"}
  },
  "required": ["data", "key"]
}`

const cryptoHMACOutputSchema = `{
  "type": "object",
  "properties": {
    "hmac": {"type": "string"},
    "algorithm": {"type": "string"}
  }
}`

const cryptoUUIDOutputSchema = `{
  "type": "object",
  "properties": {
    "uuid": {"type": "string"}
  }
}`

var _ providers.ActionProvider = (*CryptoProvider)(nil)

// CryptoProvider handles hashing, HMAC signing, and UUID generation.
type CryptoProvider struct{}

func NewCryptoProvider() *CryptoProvider {
	return &CryptoProvider{}
}

func (p *CryptoProvider) Name() string { return "crypto" }

func (p *CryptoProvider) Manifest() providers.Manifest {
	return providers.Manifest{
		Provider:    "crypto",
		Description: "Hashing, HMAC signing, and identifier generation.",
		Actions: map[string]providers.ActionSpec{
			"hash": {
				Description:  "Compute a cryptographic hash of the input data",
				InputSchema:  mustSchema(cryptoHashInputSchema),
				OutputSchema: mustSchema(cryptoHashOutputSchema),
				Idempotent:   true,
			},
			"hmac": {
				Description:  "Compute an HMAC of the input data using the given key",
				InputSchema:  mustSchema(cryptoHMACInputSchema),
				OutputSchema: mustSchema(cryptoHMACOutputSchema),
				Idempotent:   true,
			},
			"uuid": {
				Description:  "Generate a v4 UUID",
				OutputSchema: mustSchema(cryptoUUIDOutputSchema),
			},
		},
	}
}

func (p *CryptoProvider) Invoke(_ context.Context, action string, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	switch action {
	case "hash":
		return cryptoHash(params)
	case "hmac":
		return cryptoHMAC(params)
	case "uuid":
		return map[string]any{"uuid": uuid.NewString()}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityMismatch, "crypto: unknown action %q", action)
	}
}

func cryptoHash(params map[string]any) (any, error) {
	data, ok := params["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data' string parameter")
	}
	algorithm := stringParam(params, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write([]byte(data))

	return map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

func cryptoHMAC(params map[string]any) (any, error) {
	data, ok := params["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'data' string parameter")
	}
	key, ok := params["key"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'key' string parameter")
	}
	algorithm := stringParam(params, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))

	return map[string]any{
		"hmac":      hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}
