package coordination

import (
	"context"

	"github.com/basket/taskward/internal/persistence"
)

type Stats = persistence.Stats

// Stats counts known agents, open tasks and live claims at one instant.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx, s.now())
}
