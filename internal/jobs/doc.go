// Package jobs plans and applies rollouts.
//
// A job names a target cluster and a source of truth: another cluster, or a
// regular expression over image tags. Planning compares every deployment in
// the target with that source and emits one DeploymentPlan per deployment whose
// image tag must change. Applying sends the plans, in order, to the cluster
// module. All cluster and registry access goes through the dispatcher, so the
// same planner runs embedded or against a remote server.
package jobs
