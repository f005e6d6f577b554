package middleware

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList tracks certificate serials revoked out-of-band (operator
// action) before their expiry, backed by Redis so every kmed process in a
// deployment sees a revocation immediately rather than waiting for a
// restart to reload the identity table.
type RevocationList struct {
	client *redis.Client
}

func NewRevocationList(client *redis.Client) *RevocationList {
	return &RevocationList{client: client}
}

// Revoke marks a certificate serial as revoked until its natural expiry.
func (r *RevocationList) Revoke(ctx context.Context, serial string, expiry time.Duration) error {
	return r.client.Set(ctx, "revoked:"+serial, "1", expiry).Err()
}

// IsRevoked reports whether a certificate serial has been revoked.
func (r *RevocationList) IsRevoked(ctx context.Context, serial string) (bool, error) {
	exists, err := r.client.Exists(ctx, "revoked:"+serial).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}
