package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/loftboard/relay/models"
)

var (
	ErrTokenNotFound = errors.New("access token not found")
	ErrTokenInvalid  = errors.New("access token invalid")
)

const (
	memberKeyPrefix = "member:"
	tokenKeyPrefix  = "token:"
)

/*
	Store is the durable node-local state the sync core reads at runtime:
	board membership (what the topic validators consult) and access token
	records (what connection authentication resolves a principal from).
	Board membership is written by the business layer; the operations here
	are the lookup surface plus the seed/put calls the daemon and tests use.
*/
type Store struct {
	logger *slog.Logger
	db     *badger.DB
}

func Open(logger *slog.Logger, dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(newBadgerLogger(logger.WithGroup("badger")))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open state db at %s: %w", dir, err)
	}
	return &Store{
		logger: logger.WithGroup("state"),
		db:     db,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// -- membership --

func memberKey(boardID, userID string) []byte {
	return []byte(memberKeyPrefix + boardID + ":" + userID)
}

func (s *Store) AddMember(boardID, userID string) error {
	if boardID == "" || userID == "" {
		return fmt.Errorf("boardID and userID cannot be empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memberKey(boardID, userID), nil)
	})
}

func (s *Store) RemoveMember(boardID, userID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(memberKey(boardID, userID))
	})
}

func (s *Store) IsMember(boardID, userID string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(boardID, userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("membership lookup failed (board %s): %w", boardID, err)
	}
	return found, nil
}

// -- access tokens --

type tokenRecord struct {
	SecretHash []byte           `json:"secret_hash"`
	Principal  models.Principal `json:"principal"`
}

// CreateToken mints an access token for the principal and returns it in
// the "<uuid>.<secret>" form handed to clients. Only the bcrypt hash of
// the secret half is stored.
func (s *Store) CreateToken(p models.Principal) (string, error) {
	if p.UserID == "" {
		return "", fmt.Errorf("principal must carry a user id")
	}

	tokenUUID := uuid.NewString()
	secret := uuid.NewString()

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("could not hash token secret: %w", err)
	}

	p.TokenUUID = tokenUUID
	record := tokenRecord{
		SecretHash: hash,
		Principal:  p,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("could not marshal token record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tokenKeyPrefix+tokenUUID), data)
	})
	if err != nil {
		return "", fmt.Errorf("could not store token record: %w", err)
	}

	s.logger.Info("Access token created", "token_uuid", tokenUUID, "user_id", p.UserID)
	return tokenUUID + "." + secret, nil
}

// ResolveToken verifies a presented token and returns its principal.
func (s *Store) ResolveToken(token string) (models.Principal, error) {
	tokenUUID, secret, ok := strings.Cut(token, ".")
	if !ok || tokenUUID == "" || secret == "" {
		return models.Principal{}, ErrTokenInvalid
	}

	var record tokenRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenKeyPrefix + tokenUUID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Principal{}, ErrTokenNotFound
	}
	if err != nil {
		return models.Principal{}, fmt.Errorf("token lookup failed: %w", err)
	}

	if bcrypt.CompareHashAndPassword(record.SecretHash, []byte(secret)) != nil {
		return models.Principal{}, ErrTokenInvalid
	}
	return record.Principal, nil
}

func (s *Store) DeleteToken(tokenUUID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(tokenKeyPrefix + tokenUUID))
	})
}

type badgerLogger struct {
	slogger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{slogger: logger}
}

func (bl *badgerLogger) Errorf(format string, args ...any) {
	bl.slogger.Error(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Warningf(format string, args ...any) {
	bl.slogger.Warn(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Infof(format string, args ...any) {
	bl.slogger.Info(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Debugf(format string, args ...any) {
	bl.slogger.Debug(fmt.Sprintf(format, args...))
}
