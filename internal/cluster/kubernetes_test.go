package cluster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	kubeapps "k8s.io/api/apps/v1"
	autoscaling "k8s.io/api/autoscaling/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"rollout/internal/dispatch"
	"rollout/internal/domain"
	logx "rollout/pkg/logx"
)

func deployment(namespace, name, image string) *kubeapps.Deployment {
	d := &kubeapps.Deployment{ObjectMeta: kubeapimeta.ObjectMeta{Name: name, Namespace: namespace}}
	if image != "" {
		d.Spec.Template.Spec.Containers = []kubecore.Container{{Name: name, Image: image}, {Name: "sidecar", Image: "envoy:v1"}}
	}
	return d
}

func newFake(t *testing.T, namespaces []string, objs map[string][]runtime.Object) *Kubernetes {
	t.Helper()
	clients := map[string]k8s.Interface{}
	for cluster, o := range objs {
		clients[cluster] = fake.NewSimpleClientset(o...)
	}
	return WithClients(clients, namespaces, logx.Nop())
}

func TestParseImage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ref  string
		want *domain.Image
	}{
		{ref: "registry.local/image1:tag2", want: &domain.Image{Name: "image1", Tag: "tag2", URL: "registry.local/image1:tag2"}},
		{ref: "registry.local:5000/team/app:1.2.3", want: &domain.Image{Name: "team/app", Tag: "1.2.3", URL: "registry.local:5000/team/app:1.2.3"}},
		{ref: "nginx", want: &domain.Image{Name: "library/nginx", Tag: "latest", URL: "nginx"}},
		{ref: ""},
		{ref: "UPPER/Case:tag"},
	}
	for _, tt := range tests {
		got := ParseImage(tt.ref)
		if tt.want == nil {
			if got != nil {
				t.Fatalf("ParseImage(%q) = %+v, want nil", tt.ref, got)
			}
			continue
		}
		if got == nil || *got != *tt.want {
			t.Fatalf("ParseImage(%q) = %+v, want %+v", tt.ref, got, tt.want)
		}
	}
}

func TestDeploymentsUseFirstContainer(t *testing.T) {
	t.Parallel()
	k := newFake(t, nil, map[string][]runtime.Object{
		"cluster1": {
			deployment("default", "service1", "registry.local/image1:tag2"),
			deployment("default", "noimage", ""),
			deployment("other", "elsewhere", "registry.local/image9:x"),
		},
	})

	ds, err := k.Deployments(context.Background(), domain.Group{Cluster: "cluster1"})
	if err != nil {
		t.Fatalf("Deployments: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("deployments = %+v, want the two in default namespace", ds)
	}
	byName := map[string]domain.Deployment{}
	for _, d := range ds {
		byName[d.Name] = d
	}
	if img := byName["service1"].Image; img == nil || img.Name != "image1" || img.Tag != "tag2" {
		t.Fatalf("service1 image = %+v", img)
	}
	if byName["noimage"].Image != nil {
		t.Fatalf("noimage has image %+v", byName["noimage"].Image)
	}

	other, err := k.Deployments(context.Background(), domain.Group{Cluster: "cluster1", Namespace: "other"})
	if err != nil || len(other) != 1 || other[0].Name != "elsewhere" {
		t.Fatalf("namespaced deployments = %+v, %v", other, err)
	}
	if _, err := k.Deployments(context.Background(), domain.Group{Cluster: "nope"}); !errors.Is(err, ErrClusterNotFound) {
		t.Fatalf("unknown cluster error = %v", err)
	}
}

func TestUpdateDeploymentSetsFirstContainerImage(t *testing.T) {
	t.Parallel()
	k := newFake(t, []string{"service1"}, map[string][]runtime.Object{
		"cluster2": {deployment("service1", "service1", "registry.local/image1:tag1")},
	})
	u := domain.DeploymentUpdate{
		Group:      domain.Group{Cluster: "cluster2", Namespace: "service1"},
		Deployment: domain.Deployment{Name: "service1"},
		Image:      domain.Image{Name: "image1", Tag: "tag2", URL: "registry.local/image1:tag2"},
	}
	got, err := k.UpdateDeployment(context.Background(), u)
	if err != nil {
		t.Fatalf("UpdateDeployment: %v", err)
	}
	if got.Image == nil || got.Image.Tag != "tag2" {
		t.Fatalf("updated deployment = %+v", got)
	}

	c, _ := k.client("cluster2")
	stored, err := c.AppsV1().Deployments("service1").Get(context.Background(), "service1", kubeapimeta.GetOptions{})
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	cs := stored.Spec.Template.Spec.Containers
	if cs[0].Image != "registry.local/image1:tag2" || cs[1].Image != "envoy:v1" {
		t.Fatalf("containers after update = %+v", cs)
	}

	u.Deployment.Name = "missing"
	if _, err := k.UpdateDeployment(context.Background(), u); !errors.Is(err, ErrDeploymentNotFound) {
		t.Fatalf("missing deployment error = %v", err)
	}
	u.Image.URL = ""
	if _, err := k.UpdateDeployment(context.Background(), u); err == nil {
		t.Fatalf("update without url error = nil")
	}
}

func TestPodsAndScalers(t *testing.T) {
	t.Parallel()
	minReplicas := int32(2)
	k := newFake(t, nil, map[string][]runtime.Object{
		"cluster1": {
			&kubecore.Pod{
				ObjectMeta: kubeapimeta.ObjectMeta{Name: "service1-abc", Namespace: "default"},
				Spec:       kubecore.PodSpec{Containers: []kubecore.Container{{Name: "app", Image: "registry.local/image1:tag2"}}},
				Status: kubecore.PodStatus{
					Phase:             kubecore.PodRunning,
					ContainerStatuses: []kubecore.ContainerStatus{{Ready: true, RestartCount: 3}},
				},
			},
			&autoscaling.HorizontalPodAutoscaler{
				ObjectMeta: kubeapimeta.ObjectMeta{Name: "service1", Namespace: "default"},
				Spec:       autoscaling.HorizontalPodAutoscalerSpec{MinReplicas: &minReplicas, MaxReplicas: 5},
				Status:     autoscaling.HorizontalPodAutoscalerStatus{CurrentReplicas: 3},
			},
		},
	})
	ctx := context.Background()
	g := domain.Group{Cluster: "cluster1"}

	pods, err := k.Pods(ctx, g)
	if err != nil || len(pods) != 1 {
		t.Fatalf("Pods = %+v, %v", pods, err)
	}
	if !pods[0].Ready || pods[0].Restarts != 3 || pods[0].Image.Tag != "tag2" {
		t.Fatalf("pod = %+v", pods[0])
	}
	scalers, err := k.Scalers(ctx, g)
	if err != nil || len(scalers) != 1 {
		t.Fatalf("Scalers = %+v, %v", scalers, err)
	}
	if r := scalers[0].Replicas; r.Current != 3 || r.Minimum != 2 || r.Maximum != 5 {
		t.Fatalf("replicas = %+v", r)
	}
}

func TestNamespacesAndClusters(t *testing.T) {
	t.Parallel()
	k := newFake(t, []string{"service1", "service2"}, map[string][]runtime.Object{"b": nil, "a": nil})
	if got := k.Clusters(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Clusters = %v", got)
	}
	ns, err := k.Namespaces("a")
	if err != nil || len(ns) != 2 {
		t.Fatalf("Namespaces = %v, %v", ns, err)
	}
	if _, err := k.Namespaces("c"); !errors.Is(err, ErrClusterNotFound) {
		t.Fatalf("Namespaces(c) error = %v", err)
	}

	none := newFake(t, nil, map[string][]runtime.Object{"a": nil})
	if ns, _ := none.Namespaces("a"); ns == nil || len(ns) != 0 {
		t.Fatalf("Namespaces without allow-list = %#v, want empty slice", ns)
	}
}

const kubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: dev
  cluster:
    server: https://127.0.0.1:6443
- name: prod
  cluster:
    server: https://127.0.0.1:7443
users:
- name: admin
  user:
    token: secret
contexts:
- name: prod
  context: {cluster: prod, user: admin}
- name: dev
  context: {cluster: dev, user: admin}
current-context: dev
`

func TestFromKubeconfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(kubeconfig), 0o600); err != nil {
		t.Fatalf("write kubeconfig: %v", err)
	}
	k, err := FromKubeconfig(path, nil, logx.Nop())
	if err != nil {
		t.Fatalf("FromKubeconfig: %v", err)
	}
	if got := k.Clusters(); len(got) != 2 || got[0] != "dev" || got[1] != "prod" {
		t.Fatalf("Clusters = %v", got)
	}
	if _, err := k.client("prod"); err != nil {
		t.Fatalf("client(prod): %v", err)
	}
	if _, err := FromKubeconfig(filepath.Join(t.TempDir(), "missing"), nil, logx.Nop()); err == nil {
		t.Fatalf("FromKubeconfig(missing) error = nil")
	}
}

func TestModuleRegistration(t *testing.T) {
	t.Parallel()
	k := newFake(t, nil, map[string][]runtime.Object{
		"cluster1": {deployment("default", "service1", "registry.local/image1:tag2")},
	})
	d := dispatch.New(dispatch.Config{}, logx.Nop())
	if err := Register(d, k); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if n := len(d.Procedures()); n != 6 {
		t.Fatalf("procedures = %d, want 6", n)
	}
	ctx := context.Background()

	ds, err := dispatch.Get[[]domain.Deployment](d, domain.ModuleCluster, domain.ProcDeployments)(ctx, dispatch.Params("cluster", "cluster1"))
	if err != nil || len(ds) != 1 {
		t.Fatalf("deployments = %+v, %v", ds, err)
	}
	in := dispatch.Value(domain.DeploymentUpdate{
		Group:      domain.Group{Cluster: "cluster1"},
		Deployment: ds[0],
		Image:      domain.Image{Name: "image1", Tag: "tag3", URL: "registry.local/image1:tag3"},
	})
	updated, err := dispatch.Get[domain.Deployment](d, domain.ModuleCluster, domain.ProcUpdateDeployment)(ctx, in)
	if err != nil || updated.Image == nil || updated.Image.Tag != "tag3" {
		t.Fatalf("updateDeployment = %+v, %v", updated, err)
	}
}
