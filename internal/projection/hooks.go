package projection

import (
	"context"
	"time"

	"github.com/bmxtiming/timingcore/pkg/log"
)

type hookTimeKey struct{}

// Hooks satisfies sqlhooks.Hooks, logging every projection query the same
// way cc-backend's internal/repository/hooks.go logs its own.
type Hooks struct{}

func (h *Hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("projection: query %s %q", query, args)
	return context.WithValue(ctx, hookTimeKey{}, time.Now()), nil
}

func (h *Hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(hookTimeKey{}).(time.Time); ok {
		log.Debugf("projection: took %s", time.Since(begin))
	}
	return ctx, nil
}
