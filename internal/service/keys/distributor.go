package keys

import (
	"context"
	"errors"

	"e2e_messaging/internal/model"
)

// ErrNoPublishedKeys is returned by FetchPreKeyBundle for a peer that never
// uploaded a bundle.
var ErrNoPublishedKeys = errors.New("peer has no published keys")

// Distributor is the key distribution service. It only ever sees public
// key material.
type Distributor interface {
	PublishKeys(ctx context.Context, upload *model.KeyUpload) error
	FetchPreKeyBundle(ctx context.Context, peerID string) (*model.PreKeyBundle, error)
	PublishAdditionalPreKeys(ctx context.Context, userID string, preKeys []model.PublicPreKey) error
	// PreKeyCount returns how many one-time prekeys the directory can still
	// hand out for userID.
	PreKeyCount(ctx context.Context, userID string) (int, error)
}
