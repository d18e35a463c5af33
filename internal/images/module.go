package images

import (
	"context"

	"rollout/internal/dispatch"
	"rollout/internal/domain"
)

// Register adds the images module procedures to d.
func Register(d *dispatch.Dispatcher, r *Registry) error {
	if err := dispatch.Add(d, domain.ModuleImages, domain.ProcImages, func(ctx context.Context, _ domain.None) ([]string, error) {
		return r.Images(ctx)
	}); err != nil {
		return err
	}
	if err := dispatch.Add(d, domain.ModuleImages, domain.ProcVersions, func(ctx context.Context, in domain.NameInput) ([]domain.Image, error) {
		return r.Versions(ctx, in.Name)
	}); err != nil {
		return err
	}
	return dispatch.Add(d, domain.ModuleImages, domain.ProcEndpoint, func(context.Context, domain.None) (string, error) {
		return r.Endpoint(), nil
	})
}
