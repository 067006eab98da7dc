package translate

import (
	"context"
	"fmt"

	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/sirupsen/logrus"
)

// QueryStore persists the translation cache of a query.
type QueryStore interface {
	SaveTranslation(ctx context.Context, q *model.Query) error
}

// Service keeps the translation cache of repository queries current.
// Queries are only re-translated when their source text changed.
type Service struct {
	log    logrus.FieldLogger
	engine Engine
	store  QueryStore
}

// NewService creates a translation cache service. store may be nil, in
// which case translations live only on the passed queries.
func NewService(log logrus.FieldLogger, engine Engine, store QueryStore) *Service {
	return &Service{
		log:    log.WithField("component", "translate-cache"),
		engine: engine,
		store:  store,
	}
}

// Ensure refreshes q's cached translation if it is stale and reports
// whether q can be scheduled. Translation failures are recorded on q, the
// returned error is reserved for persistence failures.
func (s *Service) Ensure(ctx context.Context, q *model.Query) (bool, error) {
	if q.TranslationCurrent() {
		return q.Schedulable(), nil
	}

	log := s.log.WithField("query", q.Name)
	hash := model.HashSource(q.SourceSQL)

	if q.Native {
		text := q.SourceSQL
		q.TargetSQL = &text
		q.SourceHash = hash
		q.TranslationError = ""
		q.TranslationValidated = s.engine.Validate(text) == nil
	} else {
		res, err := s.engine.Translate(q.SourceSQL)
		if err != nil {
			q.InvalidateTranslation()
			q.TranslationError = err.Error()

			log.WithError(err).Warn("Query translation failed")
		} else {
			q.TargetSQL = &res.Text
			q.SourceHash = hash
			q.TranslationError = ""
			q.TranslationValidated = res.Validated

			for _, w := range res.Warnings {
				log.WithField("warning", w).Debug("Translation warning")
			}
		}
	}

	if s.store != nil {
		if err := s.store.SaveTranslation(ctx, q); err != nil {
			return false, fmt.Errorf("saving translation for %q: %w", q.Name, err)
		}
	}

	return q.Schedulable(), nil
}

// Prepare ensures every query and returns the schedulable ones. A query
// that fails to translate is skipped without affecting the others.
func (s *Service) Prepare(ctx context.Context, queries []model.Query) ([]model.Query, error) {
	ready := make([]model.Query, 0, len(queries))

	for i := range queries {
		ok, err := s.Ensure(ctx, &queries[i])
		if err != nil {
			return nil, err
		}

		if ok {
			ready = append(ready, queries[i])
		}
	}

	s.log.WithFields(logrus.Fields{
		"total":       len(queries),
		"schedulable": len(ready),
	}).Info("Queries prepared")

	return ready, nil
}
