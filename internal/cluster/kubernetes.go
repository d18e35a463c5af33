// Package cluster serves the cluster module from the Kubernetes contexts of a kubeconfig.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"
	kubeapps "k8s.io/api/apps/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"rollout/internal/domain"
	logx "rollout/pkg/logx"
)

// Kubernetes treats every kubeconfig context as one cluster.
type Kubernetes struct {
	log        logx.Logger
	namespaces []string
	clusters   []string

	newClient func(cluster string) (k8s.Interface, error)

	mu      sync.Mutex
	clients map[string]k8s.Interface
}

// FromKubeconfig loads the contexts of the kubeconfig at path. Clients are
// built on first use. namespaces is the optional allow-list returned by
// Namespaces for every cluster.
func FromKubeconfig(path string, namespaces []string, log logx.Logger) (*Kubernetes, error) {
	cfg, err := clientcmd.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	clusters := make([]string, 0, len(cfg.Contexts))
	for ctxName := range cfg.Contexts {
		clusters = append(clusters, ctxName)
	}
	if len(clusters) == 0 {
		return nil, fmt.Errorf("kubeconfig %s has no contexts", path)
	}
	k := newKubernetes(clusters, namespaces, log)
	k.newClient = func(cluster string) (k8s.Interface, error) {
		rc, err := clientcmd.NewNonInteractiveClientConfig(*cfg, cluster, &clientcmd.ConfigOverrides{}, nil).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("client config for %s: %w", cluster, err)
		}
		return k8s.NewForConfig(rc)
	}
	return k, nil
}

// WithClients serves clusters from ready-made clients, keyed by cluster name.
func WithClients(clients map[string]k8s.Interface, namespaces []string, log logx.Logger) *Kubernetes {
	clusters := make([]string, 0, len(clients))
	for cluster := range clients {
		clusters = append(clusters, cluster)
	}
	k := newKubernetes(clusters, namespaces, log)
	for cluster, c := range clients {
		k.clients[cluster] = c
	}
	k.newClient = func(cluster string) (k8s.Interface, error) {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, cluster)
	}
	return k
}

func newKubernetes(clusters, namespaces []string, log logx.Logger) *Kubernetes {
	if log.IsZero() {
		log = logx.Nop()
	}
	sort.Strings(clusters)
	return &Kubernetes{
		log:        log,
		namespaces: append([]string(nil), namespaces...),
		clusters:   clusters,
		clients:    map[string]k8s.Interface{},
	}
}

func (k *Kubernetes) client(cluster string) (k8s.Interface, error) {
	i := sort.SearchStrings(k.clusters, cluster)
	if i >= len(k.clusters) || k.clusters[i] != cluster {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, cluster)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if c, ok := k.clients[cluster]; ok {
		return c, nil
	}
	c, err := k.newClient(cluster)
	if err != nil {
		return nil, err
	}
	k.clients[cluster] = c
	return c, nil
}

// Clusters lists cluster names, sorted.
func (k *Kubernetes) Clusters() []string {
	return append([]string(nil), k.clusters...)
}

// Namespaces returns the allow-list. Empty means the cluster is not split by namespace.
func (k *Kubernetes) Namespaces(cluster string) ([]string, error) {
	if _, err := k.client(cluster); err != nil {
		return nil, err
	}
	return append([]string{}, k.namespaces...), nil
}

func namespaceOrDefault(ns string) string {
	if ns == "" {
		return kubeapimeta.NamespaceDefault
	}
	return ns
}

func (k *Kubernetes) Deployments(ctx context.Context, g domain.Group) ([]domain.Deployment, error) {
	c, err := k.client(g.Cluster)
	if err != nil {
		return nil, err
	}
	list, err := c.AppsV1().Deployments(namespaceOrDefault(g.Namespace)).List(ctx, kubeapimeta.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list deployments in %s: %w", g, err)
	}
	out := make([]domain.Deployment, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, toDeployment(&list.Items[i]))
	}
	return out, nil
}

// UpdateDeployment points the first container of the deployment at u.Image.URL.
func (k *Kubernetes) UpdateDeployment(ctx context.Context, u domain.DeploymentUpdate) (domain.Deployment, error) {
	if err := u.Validate(); err != nil {
		return domain.Deployment{}, err
	}
	c, err := k.client(u.Group.Cluster)
	if err != nil {
		return domain.Deployment{}, err
	}
	api := c.AppsV1().Deployments(namespaceOrDefault(u.Group.Namespace))

	var updated *kubeapps.Deployment
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cur, err := api.Get(ctx, u.Deployment.Name, kubeapimeta.GetOptions{})
		if err != nil {
			return err
		}
		if len(cur.Spec.Template.Spec.Containers) == 0 {
			return ErrNoContainers
		}
		cur.Spec.Template.Spec.Containers[0].Image = u.Image.URL
		updated, err = api.Update(ctx, cur, kubeapimeta.UpdateOptions{})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			err = fmt.Errorf("%w: %s/%s", ErrDeploymentNotFound, u.Group, u.Deployment.Name)
		}
		return domain.Deployment{}, fmt.Errorf("update %s/%s: %w", u.Group, u.Deployment.Name, err)
	}
	k.log.Info("deployment image set",
		logx.String("group", u.Group.String()),
		logx.String("deployment", u.Deployment.Name),
		logx.String("image", u.Image.URL),
	)
	return toDeployment(updated), nil
}

func (k *Kubernetes) Pods(ctx context.Context, g domain.Group) ([]domain.Pod, error) {
	c, err := k.client(g.Cluster)
	if err != nil {
		return nil, err
	}
	list, err := c.CoreV1().Pods(namespaceOrDefault(g.Namespace)).List(ctx, kubeapimeta.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", g, err)
	}
	out := make([]domain.Pod, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, toPod(&list.Items[i]))
	}
	return out, nil
}

func (k *Kubernetes) Scalers(ctx context.Context, g domain.Group) ([]domain.Scaler, error) {
	c, err := k.client(g.Cluster)
	if err != nil {
		return nil, err
	}
	list, err := c.AutoscalingV1().HorizontalPodAutoscalers(namespaceOrDefault(g.Namespace)).List(ctx, kubeapimeta.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list scalers in %s: %w", g, err)
	}
	out := make([]domain.Scaler, 0, len(list.Items))
	for _, h := range list.Items {
		s := domain.Scaler{Name: h.Name}
		s.Replicas.Current = h.Status.CurrentReplicas
		s.Replicas.Maximum = h.Spec.MaxReplicas
		s.Replicas.Minimum = 1
		if h.Spec.MinReplicas != nil {
			s.Replicas.Minimum = *h.Spec.MinReplicas
		}
		out = append(out, s)
	}
	return out, nil
}

func toDeployment(d *kubeapps.Deployment) domain.Deployment {
	out := domain.Deployment{Name: d.Name}
	if cs := d.Spec.Template.Spec.Containers; len(cs) > 0 {
		out.Image = ParseImage(cs[0].Image)
	}
	return out
}

func toPod(p *kubecore.Pod) domain.Pod {
	out := domain.Pod{Name: p.Name, Ready: p.Status.Phase == kubecore.PodRunning}
	if p.Status.StartTime != nil {
		out.Started = p.Status.StartTime.Time
	}
	if cs := p.Spec.Containers; len(cs) > 0 {
		out.Image = ParseImage(cs[0].Image)
	}
	for _, st := range p.Status.ContainerStatuses {
		out.Restarts += st.RestartCount
		if !st.Ready {
			out.Ready = false
		}
	}
	return out
}

// ParseImage splits a container image reference into repository name and tag.
// A digest reference uses the digest as its tag. Unparseable references give nil.
func ParseImage(ref string) *domain.Image {
	if ref == "" {
		return nil
	}
	r, err := name.ParseReference(ref)
	if err != nil {
		return nil
	}
	img := &domain.Image{Name: r.Context().RepositoryStr(), URL: ref}
	switch t := r.(type) {
	case name.Tag:
		img.Tag = t.TagStr()
	case name.Digest:
		img.Tag = t.DigestStr()
	}
	return img
}
