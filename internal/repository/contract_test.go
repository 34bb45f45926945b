package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/efwoods/aar/internal/model"
)

// runRepositoryContract はUserRepositoryとConnectionRepositoryの共通契約を検証する。
// SQLiteとPostgreSQLの両実装で同じシナリオを実行する。
func runRepositoryContract(t *testing.T, users UserRepository, conns ConnectionRepository) {
	ctx := context.Background()

	newUser := func(t *testing.T, email string) *model.User {
		t.Helper()
		now := time.Now().UTC().Truncate(time.Microsecond)
		u := &model.User{
			ID:           uuid.NewString(),
			Email:        email,
			PasswordHash: "$2a$10$hash",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		require.NoError(t, users.Create(ctx, u))
		return u
	}

	t.Run("Createしたユーザーをemailで大文字小文字を無視して取得できる", func(t *testing.T) {
		u := newUser(t, "alice@example.com")

		got, err := users.FindByEmail(ctx, "ALICE@Example.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, u.ID, got.ID)
		require.Equal(t, u.PasswordHash, got.PasswordHash)
		require.WithinDuration(t, u.CreatedAt, got.CreatedAt, time.Second)

		byID, err := users.FindByID(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, byID)
		require.Equal(t, u.Email, byID.Email)
	})

	t.Run("大文字小文字違いの重複emailはErrDuplicateEmail", func(t *testing.T) {
		newUser(t, "bob@example.com")

		err := users.Create(ctx, &model.User{
			ID:           uuid.NewString(),
			Email:        "BOB@example.com",
			PasswordHash: "$2a$10$other",
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		})
		require.ErrorIs(t, err, ErrDuplicateEmail)
	})

	t.Run("存在しないユーザーはnilを返す", func(t *testing.T) {
		got, err := users.FindByEmail(ctx, "nobody@example.com")
		require.NoError(t, err)
		require.Nil(t, got)

		got, err = users.FindByID(ctx, uuid.NewString())
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("UpdatePasswordHash", func(t *testing.T) {
		u := newUser(t, "carol@example.com")

		require.NoError(t, users.UpdatePasswordHash(ctx, u.ID, "$2a$10$new"))
		got, err := users.FindByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, "$2a$10$new", got.PasswordHash)

		err = users.UpdatePasswordHash(ctx, uuid.NewString(), "x")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Upsertは(user_id, provider_id)ごとに1件を置換する", func(t *testing.T) {
		u := newUser(t, "dave@example.com")

		pending := &model.ProviderConnection{
			UserID:      u.ID,
			ProviderID:  model.ProviderIssueTracker,
			Strategy:    model.StrategyOAuth,
			State:       model.ConnectionPending,
			StateNonce:  "nonce-1",
			LastUpdated: time.Now().UTC(),
		}
		require.NoError(t, conns.Upsert(ctx, pending))

		got, err := conns.FindByUserAndProvider(ctx, u.ID, model.ProviderIssueTracker)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, model.ConnectionPending, got.State)
		require.Equal(t, "nonce-1", got.StateNonce)
		require.Empty(t, got.SecretMaterial)
		require.False(t, got.IsConnected())

		connected := &model.ProviderConnection{
			UserID:            u.ID,
			ProviderID:        model.ProviderIssueTracker,
			Strategy:          model.StrategyOAuth,
			SecretMaterial:    []byte{0x01, 0x02, 0x03},
			SecretFingerprint: "abcd",
			State:             model.ConnectionConnected,
			LastUpdated:       time.Now().UTC(),
		}
		require.NoError(t, conns.Upsert(ctx, connected))

		got, err = conns.FindByUserAndProvider(ctx, u.ID, model.ProviderIssueTracker)
		require.NoError(t, err)
		require.Equal(t, model.ConnectionConnected, got.State)
		require.Equal(t, []byte{0x01, 0x02, 0x03}, got.SecretMaterial)
		require.Equal(t, "abcd", got.SecretFingerprint)
		require.Empty(t, got.StateNonce)
		require.True(t, got.IsConnected())

		list, err := conns.ListByUserID(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
	})

	t.Run("ListByUserIDはprovider_id順で他ユーザーの連携を含まない", func(t *testing.T) {
		u := newUser(t, "erin@example.com")
		other := newUser(t, "frank@example.com")

		for _, p := range []model.ProviderID{model.ProviderWorkspaceNotes, model.ProviderTimeTracker, model.ProviderIssueTracker} {
			require.NoError(t, conns.Upsert(ctx, &model.ProviderConnection{
				UserID: u.ID, ProviderID: p, Strategy: model.StrategyOAuth,
				State: model.ConnectionFailed, LastError: "boom", LastUpdated: time.Now(),
			}))
		}
		require.NoError(t, conns.Upsert(ctx, &model.ProviderConnection{
			UserID: other.ID, ProviderID: model.ProviderTimeTracker, Strategy: model.StrategyAPIKey,
			SecretMaterial: []byte("x"), State: model.ConnectionConnected, LastUpdated: time.Now(),
		}))

		list, err := conns.ListByUserID(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		require.Equal(t, model.ProviderIssueTracker, list[0].ProviderID)
		require.Equal(t, model.ProviderTimeTracker, list[1].ProviderID)
		require.Equal(t, model.ProviderWorkspaceNotes, list[2].ProviderID)
		require.Equal(t, "boom", list[0].LastError)
	})

	t.Run("Delete", func(t *testing.T) {
		u := newUser(t, "grace@example.com")
		require.NoError(t, conns.Upsert(ctx, &model.ProviderConnection{
			UserID: u.ID, ProviderID: model.ProviderTimeTracker, Strategy: model.StrategyAPIKey,
			SecretMaterial: []byte("sealed"), State: model.ConnectionConnected, LastUpdated: time.Now(),
		}))

		require.NoError(t, conns.Delete(ctx, u.ID, model.ProviderTimeTracker))
		got, err := conns.FindByUserAndProvider(ctx, u.ID, model.ProviderTimeTracker)
		require.NoError(t, err)
		require.Nil(t, got)

		err = conns.Delete(ctx, u.ID, model.ProviderTimeTracker)
		require.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("同一キーへの同時Upsertでも1件のみ残る", func(t *testing.T) {
		u := newUser(t, "heidi@example.com")

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- conns.Upsert(ctx, &model.ProviderConnection{
					UserID: u.ID, ProviderID: model.ProviderTimeTracker, Strategy: model.StrategyAPIKey,
					SecretMaterial: []byte{byte(i)}, State: model.ConnectionConnected, LastUpdated: time.Now(),
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		list, err := conns.ListByUserID(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Len(t, list[0].SecretMaterial, 1)
	})
}
