package cluster

import (
	"context"
	"net/http"

	"rollout/internal/dispatch"
	"rollout/internal/domain"
)

// RegisterErrorKinds lets remote callers match ErrClusterNotFound and ErrDeploymentNotFound.
func RegisterErrorKinds(d *dispatch.Dispatcher) {
	d.RegisterErrorKind(KindClusterNotFound, http.StatusNotFound, ErrClusterNotFound)
	d.RegisterErrorKind(KindDeploymentNotFound, http.StatusNotFound, ErrDeploymentNotFound)
}

// Register adds the cluster module procedures to d.
func Register(d *dispatch.Dispatcher, k *Kubernetes) error {
	RegisterErrorKinds(d)

	group := func(in domain.ClusterInput) domain.Group {
		return domain.Group{Cluster: in.Cluster, Namespace: in.Namespace}
	}
	steps := []func() error{
		func() error {
			return dispatch.Add(d, domain.ModuleCluster, domain.ProcClusters, func(context.Context, domain.None) ([]string, error) {
				return k.Clusters(), nil
			})
		},
		func() error {
			return dispatch.Add(d, domain.ModuleCluster, domain.ProcNamespaces, func(_ context.Context, in domain.ClusterInput) ([]string, error) {
				return k.Namespaces(in.Cluster)
			})
		},
		func() error {
			return dispatch.Add(d, domain.ModuleCluster, domain.ProcDeployments, func(ctx context.Context, in domain.ClusterInput) ([]domain.Deployment, error) {
				return k.Deployments(ctx, group(in))
			})
		},
		func() error {
			return dispatch.Add(d, domain.ModuleCluster, domain.ProcUpdateDeployment, k.UpdateDeployment)
		},
		func() error {
			return dispatch.Add(d, domain.ModuleCluster, domain.ProcPods, func(ctx context.Context, in domain.ClusterInput) ([]domain.Pod, error) {
				return k.Pods(ctx, group(in))
			})
		},
		func() error {
			return dispatch.Add(d, domain.ModuleCluster, domain.ProcScalers, func(ctx context.Context, in domain.ClusterInput) ([]domain.Scaler, error) {
				return k.Scalers(ctx, group(in))
			})
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
