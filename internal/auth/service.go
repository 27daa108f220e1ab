package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/grafixsolutions/portal/pkg"

	"github.com/coocood/freecache"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTTL       = 24 * time.Hour
	sessionKeyPrefix = "portal-session||"
	sessionsSetKey   = "portal-sessions"

	sessionIDLength = 35

	// local cache keeps resolved sessions for a short while to spare
	// redis on busy profile endpoints; entries are dropped on Destroy
	sessionCacheSize       = 10 * 1024 * 1024
	sessionCacheTTLSeconds = 30
)

var ErrSessionNotFound = errors.New("session not found")

// SessionUser is the non-sensitive account projection carried by a
// session; the password hash never enters it.
type SessionUser struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	JobRole     string `json:"job_role"`
	AccountType string `json:"account_type"`
}

type sessionRecord struct {
	User      SessionUser `json:"user"`
	CreatedAt int64       `json:"created_at"`
}

type Service struct {
	redisClient *redis.Client
	ttl         time.Duration
	localCache  *freecache.Cache
	// ability to inject random string generator func for session ids (for unit and dev testing)
	RandStringFunc func(s int) (string, error)
}

func NewService(ttl time.Duration, redisClient *redis.Client) *Service {
	return &Service{
		ttl:            ttl,
		redisClient:    redisClient,
		localCache:     freecache.NewCache(sessionCacheSize),
		RandStringFunc: pkg.GenerateRandomString,
	}
}

// Create persists a new session for an already-authenticated user and
// returns its id. The write is synchronous; a failed persist means no
// session and the error goes back to the caller.
func (s *Service) Create(ctx context.Context, user SessionUser, createdAt time.Time) (string, error) {
	sessionID, err := s.RandStringFunc(sessionIDLength)
	if err != nil {
		return "", err
	}

	record := sessionRecord{
		User:      user,
		CreatedAt: createdAt.Unix(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}

	sessionKey := sessionKeyPrefix + sessionID
	if err := s.redisClient.Set(ctx, sessionKey, data, s.ttl).Err(); err != nil {
		return "", err
	}

	// track the id so the sweeper can find leftovers
	if err := s.redisClient.SAdd(ctx, sessionsSetKey, sessionID).Err(); err != nil {
		return "", err
	}

	return sessionID, nil
}

// Resolve returns the user bound to the session id, or ErrSessionNotFound
// for absent and expired sessions alike.
func (s *Service) Resolve(ctx context.Context, sessionID string) (*SessionUser, error) {
	if data, err := s.localCache.Get([]byte(sessionID)); err == nil {
		var record sessionRecord
		if err := json.Unmarshal(data, &record); err == nil && !s.expired(record) {
			return &record.User, nil
		}
	}

	cmd := s.redisClient.Get(ctx, sessionKeyPrefix+sessionID)
	if err := cmd.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	data := []byte(cmd.Val())
	var record sessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}

	// redis TTL removes the key eventually, but check created_at too
	// so a session never outlives its ttl
	if s.expired(record) {
		return nil, ErrSessionNotFound
	}

	if err := s.localCache.Set([]byte(sessionID), data, sessionCacheTTLSeconds); err != nil {
		log.Tracef("session local cache set: %s", err)
	}

	return &record.User, nil
}

// Destroy removes the session; destroying an absent session is not an error.
func (s *Service) Destroy(ctx context.Context, sessionID string) error {
	s.localCache.Del([]byte(sessionID))

	if err := s.redisClient.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err := s.redisClient.SRem(ctx, sessionsSetKey, sessionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (s *Service) expired(record sessionRecord) bool {
	createdAt := time.Unix(record.CreatedAt, 0)
	return time.Since(createdAt) > s.ttl
}

// ScanAndClean will run through all tracked sessions and drop the ones
// whose record already expired or got evicted by redis TTL
func (s *Service) ScanAndClean(ctx context.Context) {
	cmd := s.redisClient.SMembers(ctx, sessionsSetKey)
	if err := cmd.Err(); err != nil {
		log.Errorf("!!! session service, scan and clean, get sessions: %s", err)
		return
	}

	sessionIDs := cmd.Val()
	if len(sessionIDs) == 0 {
		log.Debugln("=> session service, scan and clean abort, no sessions")
		return
	}

	log.Debugf("=> session service, scan and clean [%d sessions] start ...", len(sessionIDs))
	var toRemove []string
	for _, sessionID := range sessionIDs {
		cmd := s.redisClient.Get(ctx, sessionKeyPrefix+sessionID)
		if err := cmd.Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				// key expired, only the set member is left
				toRemove = append(toRemove, sessionID)
				continue
			}
			log.Errorf("=> session service, scan and clean %s: %s", sessionID, err)
			continue
		}

		var record sessionRecord
		if err := json.Unmarshal([]byte(cmd.Val()), &record); err != nil {
			log.Errorf("=> session service, scan and clean %s: %s", sessionID, err)
			toRemove = append(toRemove, sessionID)
			continue
		}

		if s.expired(record) {
			log.Debugf("=>\twill clean the session: %s", sessionID)
			toRemove = append(toRemove, sessionID)
		}
	}

	for _, sessionID := range toRemove {
		if err := s.Destroy(ctx, sessionID); err != nil {
			log.Errorf("=> session service, clean %s: %s", sessionID, err)
		}
	}
}
