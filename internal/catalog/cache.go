package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"signify-ivr/internal/domain"
)

const (
	defaultSize = 256
	defaultTTL  = 30 * time.Second
)

// Source is the survey catalog being cached.
type Source interface {
	GetSurveyWithOrderedQuestions(ctx context.Context, surveyID string) (*domain.Survey, error)
}

// Cache is a read-through, TTL-bounded cache in front of a Source. Unknown
// surveys are not cached so a survey published mid-call is picked up on the
// next lookup. Cached surveys are shared between callers and must be treated
// as read-only.
type Cache struct {
	src   Source
	lru   *expirable.LRU[string, *domain.Survey]
	group singleflight.Group
}

func NewCache(src Source, size int, ttl time.Duration) (*Cache, error) {
	if src == nil {
		return nil, errors.New("catalog: source must not be nil")
	}
	if size <= 0 {
		size = defaultSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		src: src,
		lru: expirable.NewLRU[string, *domain.Survey](size, nil, ttl),
	}, nil
}

// GetSurveyWithOrderedQuestions returns the cached survey or loads it once
// for all concurrent callers asking for the same id.
func (c *Cache) GetSurveyWithOrderedQuestions(ctx context.Context, surveyID string) (*domain.Survey, error) {
	if survey, ok := c.lru.Get(surveyID); ok {
		return survey, nil
	}

	v, err, _ := c.group.Do(surveyID, func() (any, error) {
		survey, err := c.src.GetSurveyWithOrderedQuestions(ctx, surveyID)
		if err != nil {
			return nil, err
		}
		if survey != nil {
			c.lru.Add(surveyID, survey)
		}
		return survey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: load survey %q: %w", surveyID, err)
	}
	survey, _ := v.(*domain.Survey)
	return survey, nil
}
