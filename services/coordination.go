package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/risk-engine/core/db"
)

// Coordination key schema. Values are "|"-delimited because the embedded
// createdAt is an RFC 3339 timestamp and colons would collide with the key
// separators.
const (
	activeKeyPrefix        = "incident:active:"
	investigatingKeyPrefix = "incident:investigating:"
	createLockPrefix       = "lock:incident:create:"
	sweepLockPrefix        = "lock:sweep:"

	refFieldSep = "|"
)

// deleteIfExpiringScript atomically reads a key's remaining TTL and deletes it
// only when the TTL is at or below the threshold (ARGV[1], milliseconds).
// Returns -2 when the key is already gone, 0 when the TTL is still above the
// threshold (or the key has no expiry), 1 when this call deleted it. Collapsing
// the read and the delete into one script makes ownership of the resolve
// transition exclusive: two sweepers cannot both observe a low TTL and both
// claim the delete.
const deleteIfExpiringScript = `
local ttl = redis.call('PTTL', KEYS[1])
if ttl == -2 then
  return -2
end
if ttl == -1 or ttl > tonumber(ARGV[1]) then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`

// Outcomes of CoordinationService.DeleteIfExpiring.
type ExpiryCheckResult int

const (
	ExpiryKeyGone    ExpiryCheckResult = iota // key vanished before this call
	ExpiryStillAlive                          // TTL above threshold, try next tick
	ExpiryDeletedNow                          // this caller owns the transition
)

// IncidentRef is the value stored under the active and investigating keys:
// just enough to find the incident again without touching Postgres.
type IncidentRef struct {
	IncidentID string
	Status     db.IncidentStatus
	CreatedAt  time.Time
}

// Encode renders the ref in the "{incidentId}|{status}|{createdAtISO}" wire form.
func (r IncidentRef) Encode() string {
	return strings.Join([]string{
		r.IncidentID,
		string(r.Status),
		r.CreatedAt.UTC().Format(time.RFC3339),
	}, refFieldSep)
}

// DecodeIncidentRef parses the wire form back into a ref.
func DecodeIncidentRef(raw string) (IncidentRef, error) {
	parts := strings.Split(raw, refFieldSep)
	if len(parts) != 3 {
		return IncidentRef{}, fmt.Errorf("malformed incident ref %q: want 3 fields, got %d", raw, len(parts))
	}

	createdAt, err := time.Parse(time.RFC3339, parts[2])
	if err != nil {
		return IncidentRef{}, fmt.Errorf("malformed incident ref timestamp %q: %w", parts[2], err)
	}

	return IncidentRef{
		IncidentID: parts[0],
		Status:     db.IncidentStatus(parts[1]),
		CreatedAt:  createdAt,
	}, nil
}

// CoordinationService wraps the shared Redis cache with the lock and TTL-key
// primitives the lifecycle engine coordinates through. Nothing here is
// authoritative state: keys are disposable hints, Postgres remains the source
// of truth, and every lock expires on its own so a crashed holder cannot
// block other workers.
type CoordinationService struct {
	Redis *redis.Client

	deleteIfExpiring *redis.Script
}

func NewCoordinationService(rdb *redis.Client) *CoordinationService {
	return &CoordinationService{
		Redis:            rdb,
		deleteIfExpiring: redis.NewScript(deleteIfExpiringScript),
	}
}

// Key builders.

func ActiveKey(orgID, projectID string) string {
	return activeKeyPrefix + orgID + ":" + projectID
}

func InvestigatingKey(orgID, projectID string) string {
	return investigatingKeyPrefix + orgID + ":" + projectID
}

func CreateLockKey(orgID, projectID string) string {
	return createLockPrefix + orgID + ":" + projectID
}

func SweepLockKey(incidentID string) string {
	return sweepLockPrefix + incidentID
}

// AcquireLock takes a set-if-absent lock with a TTL. A false return is the
// expected concurrency signal (another worker holds it), not an error.
func (s *CoordinationService) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.Redis.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock drops a lock early. Locks also lapse via TTL, so failures here
// only delay the next holder.
func (s *CoordinationService) ReleaseLock(ctx context.Context, key string) error {
	if err := s.Redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// SetRef writes an incident ref under key with a fresh TTL.
func (s *CoordinationService) SetRef(ctx context.Context, key string, ref IncidentRef, ttl time.Duration) error {
	if err := s.Redis.Set(ctx, key, ref.Encode(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// SetRefKeepTTL rewrites the ref value without touching the key's remaining
// TTL. Used for bookkeeping writes that must not restart the quiet-window
// clock. The write is set-if-exists: if the key lapsed between the caller's
// read and this write, a plain SET with KEEPTTL would recreate it with no
// expiry, leaving a key the resolve path can never claim. A miss is a normal
// raced-expiry skip, not an error.
func (s *CoordinationService) SetRefKeepTTL(ctx context.Context, key string, ref IncidentRef) error {
	err := s.Redis.SetArgs(ctx, key, ref.Encode(), redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", key, err)
	}
	return nil
}

// GetRef reads an incident ref. The second return is false when the key is
// absent, which is a normal state (TTL lapsed or never set), not an error.
func (s *CoordinationService) GetRef(ctx context.Context, key string) (IncidentRef, bool, error) {
	raw, err := s.Redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return IncidentRef{}, false, nil
	}
	if err != nil {
		return IncidentRef{}, false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	ref, err := DecodeIncidentRef(raw)
	if err != nil {
		return IncidentRef{}, false, err
	}

	return ref, true, nil
}

// DeleteIfExpiring runs the atomic TTL-check-and-delete script against key
// with the given threshold.
func (s *CoordinationService) DeleteIfExpiring(ctx context.Context, key string, threshold time.Duration) (ExpiryCheckResult, error) {
	res, err := s.deleteIfExpiring.Run(ctx, s.Redis, []string{key}, threshold.Milliseconds()).Int()
	if err != nil {
		return ExpiryKeyGone, fmt.Errorf("failed to run expiry check on %s: %w", key, err)
	}

	switch res {
	case -2:
		return ExpiryKeyGone, nil
	case 1:
		return ExpiryDeletedNow, nil
	default:
		return ExpiryStillAlive, nil
	}
}

// ScanInvestigatingKeys iterates all investigating keys with a cursor-based
// SCAN, so the sweep never blocks the store the way KEYS would.
func (s *CoordinationService) ScanInvestigatingKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	for {
		batch, next, err := s.Redis.Scan(ctx, cursor, investigatingKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan investigating keys: %w", err)
		}
		keys = append(keys, batch...)

		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// OrgProjectFromKey recovers the (organization, project) pair from an active
// or investigating key found by a scan.
func OrgProjectFromKey(key string) (orgID, projectID string, err error) {
	trimmed := key
	switch {
	case strings.HasPrefix(key, investigatingKeyPrefix):
		trimmed = strings.TrimPrefix(key, investigatingKeyPrefix)
	case strings.HasPrefix(key, activeKeyPrefix):
		trimmed = strings.TrimPrefix(key, activeKeyPrefix)
	default:
		return "", "", fmt.Errorf("unrecognized coordination key %q", key)
	}

	parts := strings.SplitN(trimmed, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed coordination key %q", key)
	}

	return parts[0], parts[1], nil
}
