package domain

// Module and procedure names shared by providers and callers.
const (
	ModuleCluster = "cluster"

	ProcClusters         = "clusters"
	ProcNamespaces       = "namespaces"
	ProcDeployments      = "deployments"
	ProcUpdateDeployment = "updateDeployment"
	ProcPods             = "pods"
	ProcScalers          = "scalers"
)

const (
	ModuleImages = "images"

	ProcImages   = "images"
	ProcVersions = "versions"
	ProcEndpoint = "endpoint"
)

const (
	ModuleJobs = "jobs"

	ProcJobs      = "jobs"
	ProcPlan      = "plan"
	ProcRun       = "run"
	ProcSchedules = "schedules"
	ProcHistory   = "history"
)

// ClusterInput selects a cluster and optional namespace.
type ClusterInput struct {
	Cluster   string `json:"cluster"`
	Namespace string `json:"namespace,omitempty"`
}

// NameInput carries a single name (job, image).
type NameInput struct {
	Name string `json:"name"`
}

// None is the input of procedures that take nothing.
type None struct{}
