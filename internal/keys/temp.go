package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"threadhub/internal/apperr"
	"threadhub/internal/store"
	"threadhub/internal/util"
)

// Temp key types authorizing one bounded out-of-band action.
const (
	KeyTypeFileDownload = "file_download"
	KeyTypeFileUpload   = "file_upload"
	KeyTypeAPIAccess    = "api_access"
	KeyTypeDataExport   = "data_export"
)

const (
	tempKeyHexLength = 128
	auditRetention   = time.Hour
)

const alnumAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TempKeyService issues and consumes single-use, short-TTL operation keys.
// Only the hash of a key is ever persisted.
type TempKeyService struct {
	db    *gorm.DB
	clock util.Clock
	ttl   time.Duration
}

// NewTempKeyService builds the temp key service.
func NewTempKeyService(db *gorm.DB, clock util.Clock, ttl time.Duration) *TempKeyService {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &TempKeyService{db: db, clock: clock, ttl: ttl}
}

// IssueInput carries the material mixed into a fresh temp key.
type IssueInput struct {
	UserID    int64
	Username  string
	UserAgent string
	KeyType   string
	Metadata  map[string]any
}

// IssuedKey is returned exactly once; the raw value is never recoverable
// afterwards. Display is a fixed glyph obfuscation for UI rendering.
type IssuedKey struct {
	Raw       string
	Display   string
	ExpiresAt time.Time
}

// Issue mints a temp key for (user, key type). While an unused, unexpired
// key exists for the pair the request is rejected.
func (s *TempKeyService) Issue(ctx context.Context, in IssueInput) (IssuedKey, error) {
	if !validKeyType(in.KeyType) {
		return IssuedKey{}, apperr.BadRequest("unknown key type")
	}
	now := s.clock.Now()

	random, err := randomAlnum(36)
	if err != nil {
		return IssuedKey{}, apperr.Wrap(apperr.CodeInternal, "generate key material", err)
	}
	raw := deriveTempKey(in.UserID, in.Username, now, random, in.UserAgent)
	model := store.TempSecretKeyModel{
		KeyHash:   hashKey(raw),
		UserID:    in.UserID,
		KeyType:   in.KeyType,
		ExpiresAt: now.Add(s.ttl),
		Metadata:  datatypes.JSONMap(in.Metadata),
		CreatedAt: now,
	}

	err = store.WithTx(ctx, s.db, 5*time.Second, nil, func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&store.TempSecretKeyModel{}).
			Where("user_id = ? AND key_type = ? AND used = ? AND expires_at > ?", in.UserID, in.KeyType, false, now).
			Count(&active).Error; err != nil {
			return fmt.Errorf("count active keys: %w", err)
		}
		if active > 0 {
			return apperr.Unprocessable("an unexpired key already exists for this operation")
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert temp key: %w", err)
		}
		return nil
	})
	if err != nil {
		return IssuedKey{}, mapStoreErr(err, "issue temp key")
	}
	return IssuedKey{Raw: raw, Display: ObfuscateKey(raw), ExpiresAt: model.ExpiresAt}, nil
}

// Consumed describes a successful single-use consumption.
type Consumed struct {
	UserID   int64          `json:"user_id"`
	KeyType  string         `json:"key_type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Consume validates and burns a temp key. Checks run in a fixed order:
// missing, expired, already used, owner mismatch. The used flag flips under
// a guard so concurrent consumers cannot both win.
func (s *TempKeyService) Consume(ctx context.Context, raw string, requesterID int64) (Consumed, error) {
	now := s.clock.Now()
	var out Consumed
	err := store.WithTx(ctx, s.db, 5*time.Second, nil, func(tx *gorm.DB) error {
		var key store.TempSecretKeyModel
		if err := tx.Where("key_hash = ?", hashKey(raw)).First(&key).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.NotFound("key not found")
			}
			return fmt.Errorf("load temp key: %w", err)
		}
		if key.ExpiresAt.Before(now) {
			return apperr.Gone("key expired")
		}
		if key.Used {
			return apperr.Unprocessable("key already used")
		}
		if key.UserID != requesterID {
			return apperr.Unprocessable("key belongs to another user")
		}
		res := tx.Model(&store.TempSecretKeyModel{}).
			Where("id = ? AND used = ?", key.ID, false).
			Updates(map[string]any{"used": true, "used_at": now})
		if res.Error != nil {
			return fmt.Errorf("mark key used: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.Unprocessable("key already used")
		}
		out = Consumed{UserID: key.UserID, KeyType: key.KeyType, Metadata: map[string]any(key.Metadata)}
		return nil
	})
	if err != nil {
		return Consumed{}, mapStoreErr(err, "consume temp key")
	}
	return out, nil
}

// Cleanup removes keys expired longer than the audit retention window ago.
// Recently expired rows stay readable for audit.
func (s *TempKeyService) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-auditRetention)
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&store.TempSecretKeyModel{})
	if res.Error != nil {
		return 0, apperr.Wrap(apperr.CodeInternal, "cleanup temp keys", res.Error)
	}
	return res.RowsAffected, nil
}

// deriveTempKey hashes the concatenated material with SHA-512 and keeps the
// leading 128 hex characters.
func deriveTempKey(userID int64, username string, now time.Time, random, userAgent string) string {
	material := fmt.Sprintf("%d|%s|%d|%s|%s", userID, username, now.UnixMicro(), random, userAgent)
	sum := sha512.Sum512([]byte(material))
	return hex.EncodeToString(sum[:])[:tempKeyHexLength]
}

// hashKey derives the lookup hash; the raw key itself is never stored.
func hashKey(raw string) string {
	sum := sha512.Sum512([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomAlnum(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	max := big.NewInt(int64(len(alnumAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(alnumAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}

func validKeyType(keyType string) bool {
	switch keyType {
	case KeyTypeFileDownload, KeyTypeFileUpload, KeyTypeAPIAccess, KeyTypeDataExport:
		return true
	default:
		return false
	}
}

func mapStoreErr(err error, op string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if store.IsDeadline(err) {
		return apperr.Wrap(apperr.CodeTimeout, op+" timed out", err)
	}
	return apperr.Wrap(apperr.CodeInternal, op+" failed", err)
}
