// Package model holds the persisted entities shared by the translator,
// scheduler, comparator and store.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Complexity is a coarse label attached to a repository query.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Valid reports whether c is a known complexity label. Empty is accepted.
func (c Complexity) Valid() bool {
	switch c {
	case "", ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return true
	default:
		return false
	}
}

// Query is a named benchmark query written in the platform A dialect.
type Query struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"not null;uniqueIndex" json:"name"`
	Description string     `json:"description,omitempty"`
	SourceSQL   string     `gorm:"type:text;not null" json:"source_sql"`
	Complexity  Complexity `json:"complexity,omitempty"`
	Active      bool       `json:"active"`

	// Native queries run verbatim on both platforms.
	Native bool `json:"native"`

	// Translation cache. TargetSQL is nil until translated and is reset
	// whenever SourceSQL changes.
	TargetSQL            *string `gorm:"type:text" json:"target_sql,omitempty"`
	SourceHash           string  `json:"source_hash,omitempty"`
	TranslationValidated bool    `json:"translation_validated"`
	TranslationError     string  `gorm:"type:text" json:"translation_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExecutionRecords  []ExecutionRecord  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ComparisonResults []ComparisonResult `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// SetSource replaces the source text and drops any cached translation
// when the text actually changed.
func (q *Query) SetSource(sql string) {
	if q.SourceSQL == sql {
		return
	}

	q.SourceSQL = sql
	q.InvalidateTranslation()
}

// InvalidateTranslation clears the cached translation.
func (q *Query) InvalidateTranslation() {
	q.TargetSQL = nil
	q.SourceHash = ""
	q.TranslationValidated = false
	q.TranslationError = ""
}

// TranslationCurrent reports whether the cached translation was produced
// from the current source text.
func (q *Query) TranslationCurrent() bool {
	return q.TargetSQL != nil && q.SourceHash == HashSource(q.SourceSQL)
}

// Schedulable reports whether the query has text for both platforms.
func (q *Query) Schedulable() bool {
	return q.TranslationCurrent() && q.TranslationError == ""
}

// HashSource returns the hex sha256 of a query text.
func HashSource(sql string) string {
	sum := sha256.Sum256([]byte(sql))

	return hex.EncodeToString(sum[:])
}
