package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

// ErrSignature reports a script whose detached signature does not verify.
var ErrSignature = errors.New("script signature invalid")

const signatureSuffix = ".minisig"

// MinisignVerifier verifies scripts signed with Minisign using a trusted public key.
type MinisignVerifier struct {
	publicKey minisign.PublicKey
}

// NewMinisignVerifier parses the provided Minisign public key (including comment header).
func NewMinisignVerifier(pubKey string) (*MinisignVerifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	lines := strings.Split(pubKey, "\n")
	publicKey, err := minisign.DecodePublicKey(strings.TrimSpace(lines[len(lines)-1]))
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &MinisignVerifier{publicKey: publicKey}, nil
}

// Verify checks path against its detached signature at path+".minisig".
func (v *MinisignVerifier) Verify(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sigPath := path + signatureSuffix
	signatureBytes, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("%w: read signature %q: %v", ErrSignature, sigPath, err)
	}
	signature, err := minisign.DecodeSignature(string(signatureBytes))
	if err != nil {
		return fmt.Errorf("%w: decode signature %q: %v", ErrSignature, sigPath, err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script %q: %w", path, err)
	}
	ok, err := v.publicKey.Verify(content, signature)
	if err != nil || !ok {
		return fmt.Errorf("%w: %s", ErrSignature, path)
	}
	return nil
}

// VerifyScripts verifies every named script in dir when publicKey is set.
// With an empty key verification is disabled and nil is returned.
func VerifyScripts(ctx context.Context, dir, publicKey string, names []string) error {
	if strings.TrimSpace(publicKey) == "" {
		return nil
	}
	v, err := NewMinisignVerifier(publicKey)
	if err != nil {
		return err
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := v.Verify(ctx, path); err != nil {
			return err
		}
	}
	return nil
}
