package cluster

import (
	"errors"

	kubeerr "k8s.io/apimachinery/pkg/api/errors"
)

var (
	ErrClusterNotFound    = errors.New("cluster not found")
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrNoContainers       = errors.New("deployment has no containers")
)

// Error kinds sent to remote clients.
const (
	KindClusterNotFound    = "cluster_not_found"
	KindDeploymentNotFound = "deployment_not_found"
)

func isNotFound(err error) bool { return kubeerr.IsNotFound(err) }
