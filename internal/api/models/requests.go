package models

import (
	"github.com/nkkko/skypush/internal/api/errors"
	"github.com/nkkko/skypush/internal/api/validation"
	"github.com/nkkko/skypush/internal/domain"
	"github.com/nkkko/skypush/internal/identity"
)

// Push tokens from either provider are far shorter than this
const maxTokenLength = 4096

// RegisterRequest is the request to register a push token for an identity
type RegisterRequest struct {
	Identity      string `json:"identity"`
	ProviderToken string `json:"providerToken"`

	// SecondaryToken is accepted for client compatibility and never stored
	SecondaryToken *string `json:"secondaryToken,omitempty"`

	Platform domain.Platform `json:"platform"`
}

// Validate validates the request and normalizes the identity in place
func (r *RegisterRequest) Validate() error {
	if err := validation.First(
		validation.Required("identity", r.Identity),
		validation.Required("providerToken", r.ProviderToken),
		validation.MaxLength("providerToken", r.ProviderToken, maxTokenLength),
		validation.NotBlank("secondaryToken", r.SecondaryToken),
		validation.OneOf("platform", string(r.Platform), string(domain.PlatformIOS), string(domain.PlatformAndroid)),
	); err != nil {
		return err
	}

	did, ok := identity.Normalize(r.Identity)
	if !ok {
		return errors.ValidationError("invalid_identity", "identity must be a DID")
	}
	r.Identity = did

	return nil
}

// UnregisterRequest is the request to remove a push token from an identity
type UnregisterRequest struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

// Validate validates the request and normalizes the identity in place
func (r *UnregisterRequest) Validate() error {
	if err := validation.First(
		validation.Required("identity", r.Identity),
		validation.Required("token", r.Token),
		validation.MaxLength("token", r.Token, maxTokenLength),
	); err != nil {
		return err
	}

	did, ok := identity.Normalize(r.Identity)
	if !ok {
		return errors.ValidationError("invalid_identity", "identity must be a DID")
	}
	r.Identity = did

	return nil
}
