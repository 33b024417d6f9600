package geds

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/health"
)

const (
	componentMetadata = "metadata"
	componentCache    = "cache"
	storePrefix       = "store:"

	// healthProbeKey is looked up in every store; a missing key still proves
	// the store answers.
	healthProbeKey = ".geds-health-probe"
)

// Health checks the metadata service, the local cache and every registered
// object store, and returns the state of each. A failing dependency is
// reported, not returned as an error.
func (c *Client) Health(ctx context.Context) (health.Report, error) {
	if c.state.Load() != stateStarted {
		return health.Report{}, notStarted()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { c.record("health", start, 0, nil) }()

	var g errgroup.Group
	g.Go(func() error {
		_ = c.health.Check(ctx, componentMetadata, func(ctx context.Context) error {
			_, err := c.meta.ListBuckets(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		_ = c.health.Check(ctx, componentCache, func(context.Context) error {
			u := c.cache.Usage()
			if u.MemoryUsed >= u.MemoryCapacity && u.StorageUsed >= u.StorageCapacity {
				return gedserrors.ResourceExhausted("local cache is full")
			}
			return nil
		})
		return nil
	})

	registered := make(map[string]bool)
	for _, cfg := range c.stores.Configs() {
		bucket := cfg.Bucket
		registered[storePrefix+bucket] = true
		g.Go(func() error {
			_ = c.health.Check(ctx, storePrefix+bucket, func(ctx context.Context) error {
				store, err := c.stores.Store(ctx, bucket)
				if err != nil {
					return err
				}
				if _, err := store.Head(ctx, healthProbeKey); err != nil && !gedserrors.IsCode(err, gedserrors.ErrCodeNotFound) {
					return err
				}
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()

	// drop stores that were unregistered since the last check
	for _, component := range c.health.Report().Components {
		if strings.HasPrefix(component.Name, storePrefix) && !registered[component.Name] {
			c.health.Forget(component.Name)
		}
	}
	return c.health.Report(), nil
}

func (c *Client) onHealthChange(component string, oldState, newState health.HealthState, err error) {
	if newState == health.StateHealthy {
		c.logger.Info("component recovered", "component", component, "previous", oldState.String())
		return
	}
	c.logger.Warn("component health changed",
		"component", component,
		"previous", oldState.String(),
		"state", newState.String(),
		"error", err)
}
