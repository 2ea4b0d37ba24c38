package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/models"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createRule(t *testing.T, db *database.DB, maxTotal, maxPerUser *int64) models.RewardRule {
	t.Helper()
	rule, err := db.CreateRule(context.Background(), models.RewardRule{
		ID:              uuid.New().String(),
		Name:            "test rule",
		ActionType:      models.ActionLottery,
		IsActive:        true,
		RewardType:      models.RewardFixed,
		RewardAmount:    decimal.NewFromInt(100),
		RewardRecipient: models.RecipientReferrer,
		MaxTotalUses:    maxTotal,
		MaxUsesPerUser:  maxPerUser,
	})
	require.NoError(t, err)
	return rule
}

func i64(v int64) *int64 { return &v }

func reserve(db *database.DB, l *Limiter, ruleID, userID string) (Decision, error) {
	var decision Decision
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		decision, err = l.Reserve(context.Background(), tx, ruleID, userID)
		return err
	})
	return decision, err
}

func TestReserve_TotalCapUnderConcurrency(t *testing.T) {
	db := setupTestDB(t)
	limiter := NewLimiter(db)
	const capacity = 5
	rule := createRule(t, db, i64(capacity), nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		decisions = map[Decision]int{}
	)
	for i := 0; i < capacity+1; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := reserve(db, limiter, rule.ID, fmt.Sprintf("user-%d", i))
			assert.NoError(t, err)
			mu.Lock()
			decisions[d]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity, decisions[Granted])
	assert.Equal(t, 1, decisions[DeniedTotalCap])

	quota, err := limiter.Quota(context.Background(), rule.ID, "user-0")
	require.NoError(t, err)
	assert.Equal(t, int64(capacity), quota.TotalUsed)
}

func TestReserve_PerUserCap(t *testing.T) {
	db := setupTestDB(t)
	limiter := NewLimiter(db)
	const perUser = 3
	rule := createRule(t, db, nil, i64(perUser))

	var wg sync.WaitGroup
	results := make(chan Decision, perUser+1)
	for i := 0; i < perUser+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := reserve(db, limiter, rule.ID, "same-user")
			assert.NoError(t, err)
			results <- d
		}()
	}
	wg.Wait()
	close(results)

	granted, denied := 0, 0
	for d := range results {
		switch d {
		case Granted:
			granted++
		case DeniedPerUserCap:
			denied++
		}
	}
	assert.Equal(t, perUser, granted)
	assert.Equal(t, 1, denied)

	// Another user still has quota, and the denial did not consume a global use.
	d, err := reserve(db, limiter, rule.ID, "other-user")
	require.NoError(t, err)
	assert.Equal(t, Granted, d)

	quota, err := limiter.Quota(context.Background(), rule.ID, "same-user")
	require.NoError(t, err)
	assert.Equal(t, int64(perUser+1), quota.TotalUsed)
	assert.Equal(t, int64(perUser), quota.UserUsed)
}

func TestReserve_DenialLeavesCountersUntouched(t *testing.T) {
	db := setupTestDB(t)
	limiter := NewLimiter(db)
	rule := createRule(t, db, i64(2), i64(1))

	d, err := reserve(db, limiter, rule.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, Granted, d)

	d, err = reserve(db, limiter, rule.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, DeniedPerUserCap, d)

	quota, err := limiter.Quota(context.Background(), rule.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), quota.TotalUsed, "per-user denial must not advance the global counter")
	assert.Equal(t, int64(1), quota.UserUsed)
}

func TestReserve_RolledBackWithCallerTransaction(t *testing.T) {
	db := setupTestDB(t)
	limiter := NewLimiter(db)
	rule := createRule(t, db, i64(1), nil)

	errAppend := errors.New("append failed")
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		d, err := limiter.Reserve(context.Background(), tx, rule.ID, "u1")
		require.NoError(t, err)
		require.Equal(t, Granted, d)
		return errAppend
	})
	require.ErrorIs(t, err, errAppend)

	quota, err := limiter.Quota(context.Background(), rule.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), quota.TotalUsed)
	assert.Equal(t, int64(0), quota.UserUsed)

	d, err := reserve(db, limiter, rule.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, Granted, d)
}

func TestReserve_UnknownRule(t *testing.T) {
	db := setupTestDB(t)
	limiter := NewLimiter(db)

	_, err := reserve(db, limiter, uuid.New().String(), "u1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
