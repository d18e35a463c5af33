// Package domain holds the values exchanged between modules through the dispatcher.
package domain

import (
	"fmt"
	"time"
)

// Image is one tagged image in a registry.
type Image struct {
	Name        string    `json:"name"`
	Tag         string    `json:"tag"`
	URL         string    `json:"url"`
	LastUpdated time.Time `json:"lastUpdated,omitzero"`
}

func (i Image) String() string { return i.Name + ":" + i.Tag }

// Group addresses deployments: a cluster and, optionally, one namespace in it.
type Group struct {
	Cluster   string `json:"cluster"`
	Namespace string `json:"namespace,omitempty"`
}

func (g Group) String() string {
	if g.Namespace == "" {
		return g.Cluster
	}
	return g.Cluster + "/" + g.Namespace
}

// Deployment is a running workload. Image is nil when it cannot be determined.
type Deployment struct {
	Name  string `json:"name"`
	Image *Image `json:"image,omitempty"`
}

// Pod is a single pod, listed for inspection only.
type Pod struct {
	Name     string    `json:"name"`
	Image    *Image    `json:"image,omitempty"`
	Started  time.Time `json:"started,omitzero"`
	Restarts int32     `json:"restarts"`
	Ready    bool      `json:"ready"`
}

// Scaler is a horizontal pod autoscaler.
type Scaler struct {
	Name     string   `json:"name"`
	Replicas Replicas `json:"replicas"`
}

type Replicas struct {
	Current int32 `json:"current"`
	Minimum int32 `json:"minimum"`
	Maximum int32 `json:"maximum"`
}

// DeploymentUpdate is the input of cluster.updateDeployment.
type DeploymentUpdate struct {
	Group      Group      `json:"group"`
	Deployment Deployment `json:"deployment"`
	Image      Image      `json:"image"`
}

func (u DeploymentUpdate) Validate() error {
	if u.Group.Cluster == "" {
		return fmt.Errorf("deployment update: cluster required")
	}
	if u.Deployment.Name == "" {
		return fmt.Errorf("deployment update: deployment name required")
	}
	if u.Image.URL == "" {
		return fmt.Errorf("deployment update: image url required")
	}
	return nil
}
