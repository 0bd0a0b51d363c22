package domain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// MaxBindingsPerToken caps the playlist length of a single token.
const MaxBindingsPerToken = 50

// BindingInput is one entry of a batch replace of a token's playlist.
type BindingInput struct {
	VideoID         string
	ProfileID       string
	SequenceOrder   int
	MaxWatchMinutes *int
}

// ValidateBindings enforces the write-time ordering contract for a token's
// playlist: at most MaxBindingsPerToken entries, no video bound twice, and
// sequence orders forming exactly 1..N.
func ValidateBindings(batch []BindingInput) error {
	if len(batch) > MaxBindingsPerToken {
		return &BindingValidationError{
			Code:   CodeMaxVideosExceeded,
			Detail: fmt.Sprintf("%d bindings exceed the maximum of %d", len(batch), MaxBindingsPerToken),
		}
	}

	videos := make(map[string]struct{}, len(batch))
	orders := make(map[int]struct{}, len(batch))
	for _, b := range batch {
		if _, dup := videos[b.VideoID]; dup {
			return &BindingValidationError{
				Code:   CodeDuplicateVideo,
				Detail: fmt.Sprintf("video %s is bound more than once", b.VideoID),
			}
		}
		videos[b.VideoID] = struct{}{}

		if _, dup := orders[b.SequenceOrder]; dup {
			return &BindingValidationError{
				Code:   CodeNonContiguousSequence,
				Detail: fmt.Sprintf("sequence order %d appears more than once", b.SequenceOrder),
			}
		}
		orders[b.SequenceOrder] = struct{}{}
	}

	for i := 1; i <= len(batch); i++ {
		if _, ok := orders[i]; !ok {
			return &BindingValidationError{
				Code:   CodeNonContiguousSequence,
				Detail: fmt.Sprintf("sequence orders must run 1..%d without gaps, missing %d", len(batch), i),
			}
		}
	}
	return nil
}

// ReplaceBindings validates and atomically replaces a token's ordered
// playlist. The token must be owned by the requesting account.
func (s *Service) ReplaceBindings(ctx context.Context, accountID, tokenID string, batch []BindingInput) ([]TokenVideoBinding, error) {
	token, err := s.catalog.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if token == nil || !token.Active || token.AccountID != accountID {
		return nil, ErrTokenNotFound
	}

	if err := ValidateBindings(batch); err != nil {
		return nil, err
	}

	bindings := make([]TokenVideoBinding, 0, len(batch))
	for _, in := range batch {
		bindings = append(bindings, TokenVideoBinding{
			ID:              uuid.NewString(),
			TokenID:         tokenID,
			VideoID:         in.VideoID,
			ProfileID:       in.ProfileID,
			SequenceOrder:   in.SequenceOrder,
			MaxWatchMinutes: in.MaxWatchMinutes,
		})
	}

	if err := s.catalog.ReplaceBindings(ctx, tokenID, bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}
