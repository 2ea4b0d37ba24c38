package ledger

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/models"
)

func setupTestWriter(t *testing.T) (*Writer, *database.DB) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWriter(db, nil), db
}

func income(t *testing.T, w *Writer, userID string, amount int64) models.Transaction {
	t.Helper()
	txn, err := w.Append(context.Background(), Entry{
		UserID: userID,
		Amount: amount,
		Type:   models.TransactionIncome,
		Tag:    models.TagManualDeposit,
	})
	require.NoError(t, err)
	return txn
}

func verifiedIncome(t *testing.T, w *Writer, userID string, amount int64) models.Transaction {
	t.Helper()
	txn := income(t, w, userID, amount)
	txn, err := w.Verify(context.Background(), txn.ID, "admin")
	require.NoError(t, err)
	return txn
}

func TestAppendPending_DoesNotAffectBalance(t *testing.T) {
	w, _ := setupTestWriter(t)
	ctx := context.Background()

	txn := income(t, w, "alice", 5000)
	assert.Equal(t, models.StatusPending, txn.Status)
	assert.Nil(t, txn.VerifiedAt)

	bal, err := w.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.CurrentBalance)
	assert.Equal(t, int64(5000), bal.PendingIncomes)
}

func TestAppendPending_RejectsInvalidInput(t *testing.T) {
	w, _ := setupTestWriter(t)

	_, err := w.Append(context.Background(), Entry{UserID: "alice", Amount: 0, Type: models.TransactionIncome, Tag: "x"})
	require.Error(t, err)

	_, err = w.Append(context.Background(), Entry{UserID: "alice", Amount: 10, Type: "transfer", Tag: "x"})
	require.Error(t, err)
}

func TestVerify_UpdatesBalanceAndStamps(t *testing.T) {
	w, _ := setupTestWriter(t)
	ctx := context.Background()

	txn := verifiedIncome(t, w, "alice", 5000)
	assert.Equal(t, models.StatusVerified, txn.Status)
	require.NotNil(t, txn.VerifiedAt)
	assert.Equal(t, "admin", txn.VerifiedBy)

	stored, err := w.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, stored.Status)
	require.NotNil(t, stored.VerifiedAt)

	bal, err := w.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bal.CurrentBalance)
	assert.Equal(t, int64(0), bal.PendingIncomes)
}

func TestTerminalTransition(t *testing.T) {
	w, _ := setupTestWriter(t)
	ctx := context.Background()

	t.Run("verify then reject", func(t *testing.T) {
		txn := income(t, w, "bob", 100)
		_, err := w.Verify(ctx, txn.ID, "admin")
		require.NoError(t, err)
		_, err = w.Reject(ctx, txn.ID, "admin")
		require.ErrorIs(t, err, models.ErrAlreadyTerminal)

		stored, err := w.Get(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusVerified, stored.Status)
	})

	t.Run("reject then verify", func(t *testing.T) {
		txn := income(t, w, "bob", 100)
		_, err := w.Reject(ctx, txn.ID, "admin")
		require.NoError(t, err)
		_, err = w.Verify(ctx, txn.ID, "admin")
		require.ErrorIs(t, err, models.ErrAlreadyTerminal)

		stored, err := w.Get(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, stored.Status)
		assert.Nil(t, stored.VerifiedAt)
	})

	bal, err := w.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.CurrentBalance)
	assert.Equal(t, int64(0), bal.PendingIncomes)
}

func TestVerify_ConcurrentAttemptsYieldOneSuccess(t *testing.T) {
	w, _ := setupTestWriter(t)
	ctx := context.Background()
	txn := income(t, w, "carol", 700)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		terminal  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = w.Verify(ctx, txn.ID, "admin")
			} else {
				_, err = w.Reject(ctx, txn.ID, "admin")
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, models.ErrAlreadyTerminal):
				terminal++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, terminal)

	rec, err := w.Reconcile(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, rec.Drift, "projection drifted: %+v", rec)
}

func TestVerify_NotFound(t *testing.T) {
	w, _ := setupTestWriter(t)

	_, err := w.Verify(context.Background(), "missing", "admin")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = w.Reject(context.Background(), "missing", "admin")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAlreadyTerminal_IsAudited(t *testing.T) {
	w, db := setupTestWriter(t)
	ctx := context.Background()

	txn := verifiedIncome(t, w, "dave", 10)
	_, err := w.Verify(ctx, txn.ID, "admin-2")
	require.ErrorIs(t, err, models.ErrAlreadyTerminal)

	entries, err := db.ListAudit(ctx, database.AuditFilter{Kind: models.AuditAlreadyTerminal})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, txn.ID, entries[0].TransactionID)
	assert.Equal(t, "admin-2", entries[0].Actor)
}

func TestBalanceDerivation_RandomSequence(t *testing.T) {
	w, _ := setupTestWriter(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var wantIncomes, wantOutcomes int64
	for i := 0; i < 60; i++ {
		amount := int64(rng.Intn(1000) + 1)
		txn := income(t, w, "erin", amount)

		switch rng.Intn(3) {
		case 0:
			_, err := w.Verify(ctx, txn.ID, "admin")
			require.NoError(t, err)
			wantIncomes += amount
		case 1:
			_, err := w.Reject(ctx, txn.ID, "admin")
			require.NoError(t, err)
		}

		if rng.Intn(4) == 0 {
			bal, err := w.Balance(ctx, "erin")
			require.NoError(t, err)
			if bal.AvailableBalance > 0 {
				out, err := w.Withdraw(ctx, "erin", bal.AvailableBalance/2+1, "cash out")
				require.NoError(t, err)
				if rng.Intn(2) == 0 {
					_, err = w.Verify(ctx, out.ID, "admin")
					require.NoError(t, err)
					wantOutcomes += out.Amount
				} else {
					_, err = w.Reject(ctx, out.ID, "admin")
					require.NoError(t, err)
				}
			}
		}
	}

	bal, err := w.Balance(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, wantIncomes, bal.TotalIncomes)
	assert.Equal(t, wantOutcomes, bal.TotalOutcomes)
	assert.Equal(t, wantIncomes-wantOutcomes, bal.CurrentBalance)

	rec, err := w.Reconcile(ctx, "erin")
	require.NoError(t, err)
	assert.False(t, rec.Drift, "projection drifted: %+v", rec)
}

func TestWithdraw_Guard(t *testing.T) {
	w, db := setupTestWriter(t)
	ctx := context.Background()

	verifiedIncome(t, w, "frank", 1000)
	income(t, w, "frank", 5000) // pending money is not spendable

	_, err := w.Withdraw(ctx, "frank", 1001, "")
	var insufficient *models.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	assert.Equal(t, int64(1000), insufficient.Available)

	history, err := w.History(ctx, "frank", models.TransactionFilter{Type: models.TransactionOutcome})
	require.NoError(t, err)
	assert.Empty(t, history.Transactions, "a refused withdrawal must not create a transaction")

	entries, err := db.ListAudit(ctx, database.AuditFilter{Kind: models.AuditInsufficientBalance, UserID: "frank"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	out, err := w.Withdraw(ctx, "frank", 1000, "all of it")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, out.Status)
	assert.Equal(t, models.TagWithdrawal, out.Tag)

	bal, err := w.Balance(ctx, "frank")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.CurrentBalance)
	assert.Equal(t, int64(0), bal.AvailableBalance)
}

func TestWithdraw_ConcurrentRequestsCannotOverdraw(t *testing.T) {
	w, _ := setupTestWriter(t)
	ctx := context.Background()
	verifiedIncome(t, w, "gina", 1000)

	const requests = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []models.Transaction
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, err := w.Withdraw(ctx, "gina", 300, "")
			if err != nil {
				assert.ErrorIs(t, err, models.ErrInsufficientBalance)
				return
			}
			mu.Lock()
			accepted = append(accepted, txn)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, accepted, 3)
	for _, txn := range accepted {
		_, err := w.Verify(ctx, txn.ID, "admin")
		require.NoError(t, err)
	}

	bal, err := w.Balance(ctx, "gina")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.CurrentBalance)
}

func TestHistory_FiltersAndPagination(t *testing.T) {
	w, _ := setupTestWriter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		verifiedIncome(t, w, "hank", 100)
	}
	txn := income(t, w, "hank", 50)
	_, err := w.Reject(ctx, txn.ID, "admin")
	require.NoError(t, err)
	_, err = w.Withdraw(ctx, "hank", 200, "")
	require.NoError(t, err)
	income(t, w, "someone-else", 999)

	all, err := w.History(ctx, "hank", models.TransactionFilter{Page: 1, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, all.Transactions, 3)
	assert.Equal(t, int64(7), all.Pagination.Total)
	assert.Equal(t, 3, all.Pagination.TotalPages)
	assert.Equal(t, int64(550), all.Summary.TotalIncome)
	assert.Equal(t, int64(200), all.Summary.TotalOutcome)
	assert.Equal(t, int64(350), all.Summary.Net)

	last, err := w.History(ctx, "hank", models.TransactionFilter{Page: 3, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, last.Transactions, 1)

	verified, err := w.History(ctx, "hank", models.TransactionFilter{Status: models.StatusVerified, Type: models.TransactionIncome})
	require.NoError(t, err)
	assert.Equal(t, int64(5), verified.Summary.Count)
	assert.Equal(t, int64(500), verified.Summary.TotalIncome)

	future := time.Now().Add(time.Hour)
	none, err := w.History(ctx, "hank", models.TransactionFilter{StartDate: &future})
	require.NoError(t, err)
	assert.Empty(t, none.Transactions)

	tagged, err := w.History(ctx, "hank", models.TransactionFilter{Tag: models.TagWithdrawal})
	require.NoError(t, err)
	assert.Equal(t, int64(1), tagged.Summary.Count)
}
