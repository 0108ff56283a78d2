package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/risk-engine/core/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySchema(t *testing.T) {
	assert.Equal(t, "incident:active:org-1:proj-1", ActiveKey("org-1", "proj-1"))
	assert.Equal(t, "incident:investigating:org-1:proj-1", InvestigatingKey("org-1", "proj-1"))
	assert.Equal(t, "lock:incident:create:org-1:proj-1", CreateLockKey("org-1", "proj-1"))
	assert.Equal(t, "lock:sweep:incident-9", SweepLockKey("incident-9"))
}

func TestIncidentRef_RoundTrip(t *testing.T) {
	createdAt := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)
	ref := IncidentRef{
		IncidentID: "7f9c0b1e-5a7e-4be2-9d41-0a4c8f1f2bd3",
		Status:     db.IncidentStatusInvestigating,
		CreatedAt:  createdAt,
	}

	encoded := ref.Encode()
	// Pipe-delimited on purpose: the RFC 3339 timestamp itself contains colons.
	assert.Equal(t, "7f9c0b1e-5a7e-4be2-9d41-0a4c8f1f2bd3|INVESTIGATING|2026-08-28T09:30:00Z", encoded)

	decoded, err := DecodeIncidentRef(encoded)
	require.NoError(t, err)
	assert.Equal(t, ref, decoded)
}

func TestDecodeIncidentRef_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"too few fields", "incident-1|OPEN"},
		{"too many fields", "incident-1|OPEN|2026-08-28T09:30:00Z|extra"},
		{"bad timestamp", "incident-1|OPEN|yesterday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeIncidentRef(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestOrgProjectFromKey(t *testing.T) {
	org, proj, err := OrgProjectFromKey("incident:investigating:org-1:proj-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", org)
	assert.Equal(t, "proj-1", proj)

	org, proj, err = OrgProjectFromKey("incident:active:org-2:proj-9")
	require.NoError(t, err)
	assert.Equal(t, "org-2", org)
	assert.Equal(t, "proj-9", proj)

	_, _, err = OrgProjectFromKey("lock:sweep:incident-1")
	assert.Error(t, err)

	_, _, err = OrgProjectFromKey("incident:investigating:missing-project")
	assert.Error(t, err)
}

// testCoordination connects to the Redis named by REDIS_TEST_ADDR, skipping
// the test when no server is available.
func testCoordination(t *testing.T) *CoordinationService {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Skipping integration test: REDIS_TEST_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Skipping integration test: redis at %s unreachable: %v", addr, err)
	}
	t.Cleanup(func() { rdb.Close() })

	return NewCoordinationService(rdb)
}

func TestDeleteIfExpiring_Outcomes(t *testing.T) {
	svc := testCoordination(t)
	ctx := context.Background()
	ref := IncidentRef{IncidentID: "incident-1", Status: db.IncidentStatusInvestigating, CreatedAt: time.Now().UTC()}

	key := InvestigatingKey("org-it", "proj-gone")
	require.NoError(t, svc.Redis.Del(ctx, key).Err())
	result, err := svc.DeleteIfExpiring(ctx, key, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ExpiryKeyGone, result)

	key = InvestigatingKey("org-it", "proj-alive")
	require.NoError(t, svc.SetRef(ctx, key, ref, time.Hour))
	result, err = svc.DeleteIfExpiring(ctx, key, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ExpiryStillAlive, result)

	// A key with no expiry must never be deleted by the resolve path.
	key = InvestigatingKey("org-it", "proj-persistent")
	require.NoError(t, svc.Redis.Set(ctx, key, ref.Encode(), 0).Err())
	result, err = svc.DeleteIfExpiring(ctx, key, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ExpiryStillAlive, result)
	require.NoError(t, svc.Redis.Del(ctx, key).Err())

	key = InvestigatingKey("org-it", "proj-expiring")
	require.NoError(t, svc.SetRef(ctx, key, ref, 5*time.Second))
	result, err = svc.DeleteIfExpiring(ctx, key, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ExpiryDeletedNow, result)
	exists, err := svc.Redis.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestSetRefKeepTTL_AbsentKeyStaysAbsent(t *testing.T) {
	svc := testCoordination(t)
	ctx := context.Background()

	key := InvestigatingKey("org-it", "proj-lapsed")
	require.NoError(t, svc.Redis.Del(ctx, key).Err())

	ref := IncidentRef{IncidentID: "incident-1", Status: db.IncidentStatusInvestigating, CreatedAt: time.Now().UTC()}
	require.NoError(t, svc.SetRefKeepTTL(ctx, key, ref))

	// A bookkeeping write against a lapsed key must not recreate it: the
	// recreated key would carry no expiry and could never be resolved.
	exists, err := svc.Redis.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestSetRefKeepTTL_PreservesRemainingTTL(t *testing.T) {
	svc := testCoordination(t)
	ctx := context.Background()

	key := InvestigatingKey("org-it", "proj-ttl")
	ref := IncidentRef{IncidentID: "incident-1", Status: db.IncidentStatusOpen, CreatedAt: time.Now().UTC()}
	require.NoError(t, svc.SetRef(ctx, key, ref, time.Hour))

	ref.Status = db.IncidentStatusInvestigating
	require.NoError(t, svc.SetRefKeepTTL(ctx, key, ref))

	got, present, err := svc.GetRef(ctx, key)
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, db.IncidentStatusInvestigating, got.Status)

	ttl, err := svc.Redis.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, svc.Redis.Del(ctx, key).Err())
}
