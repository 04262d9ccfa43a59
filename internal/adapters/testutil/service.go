// Package testutil hosts helpers shared by adapter tests. It keeps adapter
// tests on the public core API instead of reaching into store internals.
package testutil

import (
	"context"

	"slicetune/internal/core"
	"slicetune/pkg/domain"
)

// NewService returns a service over a fresh in-memory store with the default
// rules.
func NewService(opts ...core.Option) *core.Service {
	return core.NewInMemoryService(core.NewDefaultRulesEngine(), opts...)
}

// SeedProfile saves version 1 of key, starting from the material defaults
// with params applied on top.
func SeedProfile(ctx context.Context, svc *core.Service, key domain.ProfileKey, params map[domain.ParameterName]float64) (domain.ProfileVersion, error) {
	v, _, err := svc.SaveProfile(ctx, core.SaveProfileRequest{Key: key, Parameters: domain.NewParameterSet(params)})
	return v, err
}
