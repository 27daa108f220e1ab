package auth

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var testUser = SessionUser{
	ID:          1,
	Username:    "alice",
	Email:       "alice@example.com",
	FullName:    "Alice Doe",
	JobRole:     "designer",
	AccountType: "user",
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// INFO: https://github.com/go-redis/redis/issues/1029
		goleak.IgnoreTopFunction(
			"github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper",
		),
	)
}

func sessionData(t *testing.T, user SessionUser, createdAt time.Time) []byte {
	t.Helper()
	data, err := json.Marshal(sessionRecord{
		User:      user,
		CreatedAt: createdAt.Unix(),
	})
	require.NoError(t, err)
	return data
}

func TestService_Create(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	sessions := NewService(time.Hour, db)
	require.NotNil(t, sessions)

	testSessionID := "test_session_id"
	sessions.RandStringFunc = func(s int) (string, error) {
		return testSessionID, nil
	}

	now := time.Now()
	data := sessionData(t, testUser, now)
	mock.ExpectSet(sessionKeyPrefix+testSessionID, data, time.Hour).SetVal("OK")
	mock.ExpectSAdd(sessionsSetKey, testSessionID).SetVal(1)

	sessionID, err := sessions.Create(context.Background(), testUser, now)
	require.NoError(t, err)
	assert.Equal(t, testSessionID, sessionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_Resolve(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	sessions := NewService(time.Hour, db)
	sessionID := "some_session_id"

	now := time.Now()
	mock.ExpectGet(sessionKeyPrefix + sessionID).SetVal(string(sessionData(t, testUser, now)))

	user, err := sessions.Resolve(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, testUser, *user)

	// second resolve comes from the local cache, no redis call expected
	user, err = sessions.Resolve(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, testUser, *user)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_Resolve_absent(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	sessions := NewService(time.Hour, db)
	mock.ExpectGet(sessionKeyPrefix + "unknown").RedisNil()

	user, err := sessions.Resolve(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Nil(t, user)
}

func TestService_Resolve_expired(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	sessions := NewService(time.Hour, db)
	sessionID := "stale_session_id"

	createdAt := time.Now().Add(-2 * time.Hour)
	mock.ExpectGet(sessionKeyPrefix + sessionID).SetVal(string(sessionData(t, testUser, createdAt)))

	user, err := sessions.Resolve(context.Background(), sessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Nil(t, user)
}

func TestService_Destroy(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	sessions := NewService(time.Hour, db)
	sessionID := "some_session_id"

	mock.ExpectDel(sessionKeyPrefix + sessionID).SetVal(1)
	mock.ExpectSRem(sessionsSetKey, sessionID).SetVal(1)
	require.NoError(t, sessions.Destroy(context.Background(), sessionID))

	// destroying an absent session is not an error
	mock.ExpectDel(sessionKeyPrefix + sessionID).SetVal(0)
	mock.ExpectSRem(sessionsSetKey, sessionID).SetVal(0)
	require.NoError(t, sessions.Destroy(context.Background(), sessionID))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_ScanAndClean(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	sessions := NewService(time.Hour, db)

	now := time.Now()
	then := now.Add(-2 * time.Hour)

	fresh, stale, evicted := "fresh_id", "stale_id", "evicted_id"
	mock.ExpectSMembers(sessionsSetKey).SetVal([]string{fresh, stale, evicted})
	mock.ExpectGet(sessionKeyPrefix + fresh).SetVal(string(sessionData(t, testUser, now)))
	mock.ExpectGet(sessionKeyPrefix + stale).SetVal(string(sessionData(t, testUser, then)))
	mock.ExpectGet(sessionKeyPrefix + evicted).RedisNil()

	// only stale and evicted get removed
	mock.ExpectDel(sessionKeyPrefix + stale).SetVal(1)
	mock.ExpectSRem(sessionsSetKey, stale).SetVal(1)
	mock.ExpectDel(sessionKeyPrefix + evicted).SetVal(0)
	mock.ExpectSRem(sessionsSetKey, evicted).SetVal(1)

	sessions.ScanAndClean(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}
