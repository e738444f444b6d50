package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrKeyNotFound signals an unknown API key.
var ErrKeyNotFound = errors.New("api key not found")

// APIKey identifies a remote caller of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// HashKey returns the stored form of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a new key for an actor and returns the record plus the
// raw secret. The secret is only ever shown once; the table keeps a hash.
func CreateAPIKey(ctx context.Context, db *sql.DB, actorID, name string, now time.Time) (APIKey, string, error) {
	raw := "glk_" + uuid.NewString()
	rec := APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	_, err := db.ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		rec.ID, rec.ActorID, nullable(rec.Name), HashKey(raw), rec.CreatedAt)
	if err != nil {
		return APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	return rec, raw, nil
}

// ActorForKey resolves a raw API key to its actor id.
func ActorForKey(ctx context.Context, db *sql.DB, raw string) (string, error) {
	var actorID string
	err := db.QueryRowContext(ctx, `SELECT actor_id FROM api_keys WHERE key_hash=?`, HashKey(raw)).Scan(&actorID)
	if err == sql.ErrNoRows {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return actorID, nil
}
