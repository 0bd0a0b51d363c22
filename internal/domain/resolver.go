package domain

import "context"

// CatalogRepository captures read access to the parent-curated catalog plus
// the single mutation this service owns, the binding batch replace.
type CatalogRepository interface {
	GetProfile(ctx context.Context, profileID string) (*ChildProfile, error)
	GetToken(ctx context.Context, tokenID string) (*NFCToken, error)
	GetTokenByChipUID(ctx context.Context, chipUID string) (*NFCToken, error)
	GetVideo(ctx context.Context, accountID, videoID string) (*Video, error)
	// ListBindings returns a token's playlist ordered by sequence.
	ListBindings(ctx context.Context, tokenID string) ([]TokenVideoBinding, error)
	ReplaceBindings(ctx context.Context, tokenID string, bindings []TokenVideoBinding) error
}

// ResolveInput identifies a scanned token and an optional explicit selection.
// Exactly one of TokenID or ChipUID must be set; kiosks only know the chip
// UID printed into the NFC tag.
type ResolveInput struct {
	// AccountID restricts resolution to tokens owned by the account. Empty on
	// kiosk paths, where ownership is derived from the token itself.
	AccountID string
	TokenID   string
	ChipUID   string
	// VideoID, when set, must be among the token's bindings.
	VideoID string
	// Position is a 1-based playlist position used when no explicit video is
	// given; out-of-range or zero falls back to the first binding.
	Position int
}

// Resolution is the outcome of a token scan: the video to play and the
// binding it came from, whose MaxWatchMinutes cap carries onto the session.
type Resolution struct {
	Token   NFCToken
	Binding TokenVideoBinding
	Video   Video
}

// Resolver maps a scanned token to the video that should play. Read-only;
// the ordering contract on bindings is enforced by ReplaceBindings, not here.
type Resolver struct {
	catalog CatalogRepository
}

// NewResolver constructs a Resolver.
func NewResolver(catalog CatalogRepository) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve picks the playable video for a scan.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	token, err := r.lookupToken(ctx, in)
	if err != nil {
		return nil, err
	}
	if token == nil || !token.Active {
		return nil, ErrTokenNotFound
	}
	if in.AccountID != "" && token.AccountID != in.AccountID {
		return nil, ErrTokenNotFound
	}

	bindings, err := r.catalog.ListBindings(ctx, token.ID)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, ErrNoBindings
	}

	binding, err := selectBinding(bindings, in)
	if err != nil {
		return nil, err
	}

	video, err := r.catalog.GetVideo(ctx, token.AccountID, binding.VideoID)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, ErrVideoNotFound
	}

	return &Resolution{Token: *token, Binding: binding, Video: *video}, nil
}

func (r *Resolver) lookupToken(ctx context.Context, in ResolveInput) (*NFCToken, error) {
	if in.TokenID != "" {
		return r.catalog.GetToken(ctx, in.TokenID)
	}
	if in.ChipUID != "" {
		return r.catalog.GetTokenByChipUID(ctx, in.ChipUID)
	}
	return nil, ErrTokenNotFound
}

func selectBinding(bindings []TokenVideoBinding, in ResolveInput) (TokenVideoBinding, error) {
	if in.VideoID != "" {
		for _, b := range bindings {
			if b.VideoID == in.VideoID {
				return b, nil
			}
		}
		return TokenVideoBinding{}, ErrVideoNotFound
	}

	if in.Position >= 1 {
		for _, b := range bindings {
			if b.SequenceOrder == in.Position {
				return b, nil
			}
		}
	}
	return bindings[0], nil
}
