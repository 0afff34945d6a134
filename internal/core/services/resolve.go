package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// credentialPrefixes are issuer prefixes of well-known API keys and tokens.
var credentialPrefixes = []string{
	"sk-", "sk_live_", "sk_test_", "rk_live_", "pk_live_",
	"xoxb-", "xoxp-", "xoxa-",
	"ghp_", "gho_", "ghu_", "ghs_", "github_pat_",
	"glpat-",
	"AKIA",
	"ya29.",
	"eyJ",
	"SG.",
}

const (
	minPrefixedCredentialLen = 16
	minOpaqueCredentialLen   = 40
)

// looksLikeCredential reports whether s is plausibly a raw credential rather
// than a label. Handles never qualify.
func looksLikeCredential(s string) bool {
	if domain.IsHandle(s) || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return false
	}
	for _, prefix := range credentialPrefixes {
		if strings.HasPrefix(s, prefix) && len(s) >= minPrefixedCredentialLen {
			return true
		}
	}
	if len(s) < minOpaqueCredentialLen {
		return false
	}
	for _, r := range s {
		if !isTokenRune(r) {
			return false
		}
	}
	return true
}

func isTokenRune(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("-_.~+/=:", r)
}

// Resolve interprets an untagged identifier: handle, then label, then raw
// credential. The literal step is only reached when both lookups came back
// not found, and never for an identifier that parses as a handle.
func (s *vaultService) Resolve(ctx context.Context, identifier string) (*domain.Resolution, error) {
	if _, ok := domain.TrustedActor(ctx); !ok {
		return nil, fmt.Errorf("%w: secret reads require trusted execution", domain.ErrUnauthorized)
	}
	if identifier == "" {
		return nil, fmt.Errorf("%w: empty identifier", domain.ErrInvalidInput)
	}

	isHandle := domain.IsHandle(identifier)
	if isHandle {
		rec, err := s.repo.GetByHandle(ctx, identifier)
		switch {
		case err == nil:
			return s.resolved(ctx, rec, domain.ResolvedByHandle)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, domain.StorageError("get secret", err)
		}
	}

	rec, err := s.repo.GetByLabel(ctx, identifier)
	switch {
	case err == nil:
		return s.resolved(ctx, rec, domain.ResolvedByLabel)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, domain.StorageError("get secret by label", err)
	}

	if !isHandle && looksLikeCredential(identifier) {
		s.metrics.LiteralResolution()
		s.logger.Warn("legacy identifier resolved as a literal credential",
			"length", len(identifier),
			"prefix_class", credentialClass(identifier),
		)
		return &domain.Resolution{Plaintext: identifier, Source: domain.ResolvedLiteral}, nil
	}

	return nil, domain.ErrNotFound
}

func (s *vaultService) resolved(ctx context.Context, rec *domain.SecretRecord, source domain.ResolutionSource) (*domain.Resolution, error) {
	plaintext, err := s.open(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &domain.Resolution{
		Plaintext: plaintext,
		Source:    source,
		Handle:    rec.Handle,
		OwnerKind: rec.OwnerKind,
		OwnerID:   rec.OwnerID,
	}, nil
}

// credentialClass names the matched issuer prefix without revealing the value.
func credentialClass(s string) string {
	for _, prefix := range credentialPrefixes {
		if strings.HasPrefix(s, prefix) {
			return prefix
		}
	}
	return "opaque"
}
