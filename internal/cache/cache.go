// Package cache is the short-lived read cache in front of the job store.
// Entries are deleted on mutation, never updated in place.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

var ErrMiss = errors.New("cache: miss")

type Cache interface {
	// Get returns ErrMiss when key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteByPattern removes every key matching the glob and returns how many went.
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)
}

// allOwners stands in for the owner segment of admin listings.
const allOwners = "_all"

func JobKey(id string) string { return "job:id:" + id }

// ListKey keys a listing by owner and a hash of its canonical filter parts.
func ListKey(ownerID string, filter ...string) string {
	return fmt.Sprintf("jobs:user:%s:%016x", ownerSegment(ownerID), xxhash.Sum64String(strings.Join(filter, "|")))
}

func ListPattern(ownerID string) string { return "jobs:user:" + ownerSegment(ownerID) + ":*" }

// ActiveCountKey is scoped to gen, the value held at ActiveGenKey. Replacing
// the generation retires every count cached under the old one.
func ActiveCountKey(ownerID, gen string) string {
	return "jobs:active:count:" + ownerID + ":" + gen
}

func ActiveGenKey(ownerID string) string { return "jobs:active:gen:" + ownerID }

func UserEmailKey(email string) string { return "user:email:" + strings.ToLower(email) }

func ownerSegment(ownerID string) string {
	if ownerID == "" {
		return allOwners
	}
	return ownerID
}
