package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"rollout/internal/dispatch"
	"rollout/internal/domain"
	logx "rollout/pkg/logx"
)

// fakeBackend serves the cluster and images modules from memory.
type fakeBackend struct {
	mu          sync.Mutex
	namespaces  map[string][]string
	deployments map[string][]domain.Deployment // "cluster" or "cluster/namespace"
	versions    map[string][]domain.Image
	failUpdate  map[string]bool  // by deployment name
	failLookup  map[string]error // versions lookup, by image name

	updates        []domain.DeploymentUpdate
	versionLookups int
}

func (f *fakeBackend) register(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("register fake procedure: %v", err)
		}
	}
	must(dispatch.Add(d, domain.ModuleCluster, domain.ProcNamespaces, func(_ context.Context, in domain.ClusterInput) ([]string, error) {
		return f.namespaces[in.Cluster], nil
	}))
	must(dispatch.Add(d, domain.ModuleCluster, domain.ProcDeployments, func(_ context.Context, in domain.ClusterInput) ([]domain.Deployment, error) {
		g := domain.Group{Cluster: in.Cluster, Namespace: in.Namespace}
		if ds, ok := f.deployments[g.String()]; ok {
			return ds, nil
		}
		return f.deployments[in.Cluster], nil
	}))
	must(dispatch.Add(d, domain.ModuleCluster, domain.ProcUpdateDeployment, func(_ context.Context, in domain.DeploymentUpdate) (domain.Deployment, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failUpdate[in.Deployment.Name] {
			return domain.Deployment{}, errors.New("admission webhook denied the request")
		}
		f.updates = append(f.updates, in)
		img := in.Image
		return domain.Deployment{Name: in.Deployment.Name, Image: &img}, nil
	}))
	must(dispatch.Add(d, domain.ModuleImages, domain.ProcVersions, func(_ context.Context, in domain.NameInput) ([]domain.Image, error) {
		f.mu.Lock()
		f.versionLookups++
		f.mu.Unlock()
		if err := f.failLookup[in.Name]; err != nil {
			return nil, err
		}
		return f.versions[in.Name], nil
	}))
}

func (f *fakeBackend) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func newTestDispatcher(t *testing.T, f *fakeBackend) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(dispatch.Config{Layer: dispatch.Standalone}, logx.Nop())
	f.register(t, d)
	return d
}

func image(name, tag string) *domain.Image {
	return &domain.Image{Name: name, Tag: tag, URL: "registry.local/" + name + ":" + tag}
}
