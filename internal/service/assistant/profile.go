package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"questro/internal/models"
	"questro/internal/storage"
)

const (
	DefaultProfileLanguage = "en"
	DefaultTimezone        = "UTC"
	maxFullNameRunes       = 100
)

var ErrInvalidProfile = errors.New("invalid profile")

// ProfileUpdate carries the fields to change; nil fields are left as stored.
type ProfileUpdate struct {
	FullName          *string `json:"full_name"`
	PreferredLanguage *string `json:"preferred_language"`
	Timezone          *string `json:"timezone"`
}

// GetProfile returns the user's profile, filled with defaults when the user
// never saved one. A missing user is sql.ErrNoRows.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*models.Profile, error) {
	if userID <= 0 {
		return nil, errors.New("invalid user id")
	}
	var (
		p       models.Profile
		updated sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT u.username, COALESCE(p.full_name, ''), COALESCE(p.preferred_language, ''), COALESCE(p.timezone, ''), p.updated_at
		 FROM users u LEFT JOIN user_profiles p ON p.user_id = u.id
		 WHERE u.id = ?`, userID,
	).Scan(&p.Username, &p.FullName, &p.PreferredLanguage, &p.Timezone, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("lookup profile: %w", err)
	}
	p.UserID = userID
	if p.PreferredLanguage == "" {
		p.PreferredLanguage = DefaultProfileLanguage
	}
	if p.Timezone == "" {
		p.Timezone = DefaultTimezone
	}
	if updated.Valid {
		p.UpdatedAt = updated.Time.UTC()
	}
	p.LanguageName = LanguageName(p.PreferredLanguage)
	return &p, nil
}

// UpdateProfile applies upd to the stored profile and returns the result.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, upd ProfileUpdate) (*models.Profile, error) {
	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if upd.FullName != nil {
		name := strings.TrimSpace(*upd.FullName)
		if utf8.RuneCountInString(name) > maxFullNameRunes {
			return nil, fmt.Errorf("%w: full name longer than %d characters", ErrInvalidProfile, maxFullNameRunes)
		}
		p.FullName = name
	}
	if upd.PreferredLanguage != nil {
		code, err := NormalizeLanguage(*upd.PreferredLanguage)
		if err != nil {
			return nil, err
		}
		p.PreferredLanguage = code
	}
	if upd.Timezone != nil {
		tz, err := normalizeTimezone(*upd.Timezone)
		if err != nil {
			return nil, err
		}
		p.Timezone = tz
	}
	p.UpdatedAt = time.Now().UTC()
	p.LanguageName = LanguageName(p.PreferredLanguage)

	if _, err := s.db.ExecContext(ctx, s.upsertProfileSQL(),
		userID, p.FullName, p.PreferredLanguage, p.Timezone, p.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	return p, nil
}

// ExportAccount gathers the profile and the masked credentials for download.
func (s *Service) ExportAccount(ctx context.Context, userID int64, now time.Time) (*models.AccountExport, error) {
	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	keys, err := s.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.AccountExport{
		ExportedAt:  now.UTC(),
		Profile:     *p,
		Credentials: keys,
	}, nil
}

// AccountExportFileName is the attachment name of an account export.
func AccountExportFileName(now time.Time) string {
	return fmt.Sprintf("questro-data-%d.json", now.UnixMilli())
}

// NormalizeLanguage reduces a BCP 47 tag to its base language code.
func NormalizeLanguage(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: language is required", ErrInvalidProfile)
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: unknown language %q", ErrInvalidProfile, raw)
	}
	base, conf := tag.Base()
	if conf == language.No || base.String() == "und" {
		return "", fmt.Errorf("%w: unknown language %q", ErrInvalidProfile, raw)
	}
	return base.String(), nil
}

// LanguageName returns the English name of a language code, e.g. "es" is
// "Spanish". Unknown codes read as English.
func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return "English"
	}
	name := display.English.Languages().Name(tag)
	if name == "" {
		return "English"
	}
	return name
}

func normalizeTimezone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "Local" {
		return "", fmt.Errorf("%w: timezone %q", ErrInvalidProfile, raw)
	}
	loc, err := time.LoadLocation(raw)
	if err != nil {
		return "", fmt.Errorf("%w: unknown timezone %q", ErrInvalidProfile, raw)
	}
	return loc.String(), nil
}

func (s *Service) upsertProfileSQL() string {
	if storage.IsSQLite(s.driver) {
		return `INSERT INTO user_profiles (user_id, full_name, preferred_language, timezone, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET full_name = excluded.full_name,
		 preferred_language = excluded.preferred_language, timezone = excluded.timezone, updated_at = excluded.updated_at`
	}
	return `INSERT INTO user_profiles (user_id, full_name, preferred_language, timezone, updated_at)
	 VALUES (?, ?, ?, ?, ?)
	 ON DUPLICATE KEY UPDATE full_name = VALUES(full_name), preferred_language = VALUES(preferred_language),
	 timezone = VALUES(timezone), updated_at = VALUES(updated_at)`
}
