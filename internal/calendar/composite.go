package calendar

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

// Composite merges several calendar repositories, typically the stored
// events and the iCal feeds. It fails only when every repository fails.
type Composite struct {
	repos []ports.CalendarRepository
}

var _ ports.CalendarRepository = (*Composite)(nil)

// NewComposite merges repos. Nil entries are ignored.
func NewComposite(repos ...ports.CalendarRepository) *Composite {
	c := &Composite{}
	for _, r := range repos {
		if r != nil {
			c.repos = append(c.repos, r)
		}
	}
	return c
}

// EventsBetween implements ports.CalendarRepository.
func (c *Composite) EventsBetween(ctx context.Context, userID string, start, end time.Time) ([]domain.CalendarEvent, error) {
	results := make([][]domain.CalendarEvent, len(c.repos))
	errs := make([]error, len(c.repos))

	var g errgroup.Group
	for i, repo := range c.repos {
		g.Go(func() error {
			results[i], errs[i] = repo.EventsBetween(ctx, userID, start, end)
			return nil
		})
	}
	_ = g.Wait()

	var (
		out    []domain.CalendarEvent
		failed int
	)
	for i := range c.repos {
		if errs[i] != nil {
			failed++
			continue
		}
		out = append(out, results[i]...)
	}
	if len(c.repos) > 0 && failed == len(c.repos) {
		return nil, errors.Join(errs...)
	}
	sortEvents(out)
	return out, nil
}

func sortEvents(evs []domain.CalendarEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].Start.Before(evs[j].Start)
	})
}
