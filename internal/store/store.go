// Package store persists npdash's local state: the cached backend session
// and the history of notifications. It initializes GORM over pure-Go SQLite.
package store

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vesaa/npdash/internal/models"
)

// ErrNoSession is returned when no active, unexpired session is stored.
var ErrNoSession = errors.New("no active session")

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite file at path and runs AutoMigrate.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(&models.Session{}, &models.Notification{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	log.Printf("[db] opened sqlite/%s", path)
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ── Sessions ─────────────────────────────────────────────────────────────────

// SaveSession stores a new active session and deactivates any previous one.
// A zero expiresAt means the token carries no expiry.
func (s *Store) SaveSession(username, token string, needsSetup bool, expiresAt time.Time) (*models.Session, error) {
	sess := models.Session{
		SessionID:  uuid.NewString(),
		Username:   username,
		Token:      token,
		NeedsSetup: needsSetup,
		ExpiresAt:  expiresAt,
		IsActive:   true,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Session{}).Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(&sess).Error
	})
	if err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	return &sess, nil
}

// ActiveSession returns the current session. Expired sessions are
// deactivated and reported as ErrNoSession.
func (s *Store) ActiveSession(now time.Time) (*models.Session, error) {
	var sess models.Session
	err := s.db.Where("is_active = ?", true).Order("id desc").First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if !sess.ExpiresAt.IsZero() && !now.Before(sess.ExpiresAt) {
		s.db.Model(&sess).Update("is_active", false)
		log.Printf("[db] session %s for %s expired", sess.SessionID, sess.Username)
		return nil, ErrNoSession
	}
	return &sess, nil
}

// ClearSessions deactivates every stored session.
func (s *Store) ClearSessions() error {
	return s.db.Model(&models.Session{}).Where("is_active = ?", true).
		Update("is_active", false).Error
}

// ── Notifications ────────────────────────────────────────────────────────────

// AddNotification records one notice.
func (s *Store) AddNotification(n *models.Notification) error {
	if err := s.db.Create(n).Error; err != nil {
		return fmt.Errorf("saving notification: %w", err)
	}
	return nil
}

// Notifications returns the most recent notices, newest first. A resource
// filter of "" matches all.
func (s *Store) Notifications(resource string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.Order("id desc").Limit(limit)
	if resource != "" {
		q = q.Where("resource = ?", resource)
	}
	var out []models.Notification
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	return out, nil
}

// PruneNotifications deletes notices older than cutoff and returns how many
// were removed.
func (s *Store) PruneNotifications(cutoff time.Time) (int64, error) {
	res := s.db.Unscoped().Where("created_at < ?", cutoff).Delete(&models.Notification{})
	return res.RowsAffected, res.Error
}
