package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"rollout/internal/crons"
	"rollout/internal/dispatch"
	"rollout/internal/domain"
	"rollout/internal/jobs"
	"rollout/internal/storage"
)

func queryCmds() []query {
	return []query{
		{
			use:   "jobs",
			short: "List the configured jobs",
			args:  cobra.NoArgs,
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, _ []string) (any, error) {
				l, err := dispatch.Get[[]jobs.Job](d, domain.ModuleJobs, domain.ProcJobs)(ctx, dispatch.RequestInput{})
				return jobList(l), err
			},
		},
		{
			use:   "plan JOB",
			short: "Show what a job would change without applying it",
			args:  cobra.ExactArgs(1),
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, args []string) (any, error) {
				p, err := dispatch.Get[jobs.JobPlan](d, domain.ModuleJobs, domain.ProcPlan)(ctx, dispatch.Params("name", args[0]))
				return jobPlan(p), err
			},
		},
		{
			use:   "run JOB",
			short: "Plan and apply a job now",
			args:  cobra.ExactArgs(1),
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, args []string) (any, error) {
				rec, err := dispatch.Get[storage.RunRecord](d, domain.ModuleJobs, domain.ProcRun)(ctx, dispatch.Params("name", args[0]))
				if err != nil {
					return nil, err
				}
				if rec.Error != "" {
					return nil, fmt.Errorf("run %s: %s", rec.ID, rec.Error)
				}
				return runList{rec}, nil
			},
		},
		{
			use:   "schedules JOB",
			short: "Show the cron state of a job",
			args:  cobra.ExactArgs(1),
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, args []string) (any, error) {
				c, err := dispatch.Get[crons.Cron](d, domain.ModuleJobs, domain.ProcSchedules)(ctx, dispatch.Params("name", args[0]))
				return schedule(c), err
			},
		},
		{
			use:   "history JOB",
			short: "List recorded runs of a job, newest first",
			args:  cobra.ExactArgs(1),
			setup: func(cmd *cobra.Command) {
				cmd.Flags().Int("limit", 20, "maximum number of runs to show")
			},
			run: func(ctx context.Context, d *dispatch.Dispatcher, cmd *cobra.Command, args []string) (any, error) {
				limit, err := cmd.Flags().GetInt("limit")
				if err != nil {
					return nil, err
				}
				in := dispatch.Params("name", args[0], "limit", strconv.Itoa(limit))
				l, err := dispatch.Get[[]storage.RunRecord](d, domain.ModuleJobs, domain.ProcHistory)(ctx, in)
				return runList(l), err
			},
		},
		{
			use:   "clusters",
			short: "List the clusters from the kubeconfig",
			args:  cobra.NoArgs,
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, _ []string) (any, error) {
				return dispatch.Get[[]string](d, domain.ModuleCluster, domain.ProcClusters)(ctx, dispatch.RequestInput{})
			},
		},
		{
			use:   "namespaces CLUSTER",
			short: "List the managed namespaces of a cluster",
			args:  cobra.ExactArgs(1),
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, args []string) (any, error) {
				return dispatch.Get[[]string](d, domain.ModuleCluster, domain.ProcNamespaces)(ctx, dispatch.Params("cluster", args[0]))
			},
		},
		{
			use:   "deployments CLUSTER [NAMESPACE]",
			short: "List deployments and their current images",
			args:  cobra.RangeArgs(1, 2),
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, args []string) (any, error) {
				l, err := dispatch.Get[[]domain.Deployment](d, domain.ModuleCluster, domain.ProcDeployments)(ctx, groupParams(args))
				return deploymentList(l), err
			},
		},
		{
			use:   "pods CLUSTER [NAMESPACE]",
			short: "List pods",
			args:  cobra.RangeArgs(1, 2),
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, args []string) (any, error) {
				l, err := dispatch.Get[[]domain.Pod](d, domain.ModuleCluster, domain.ProcPods)(ctx, groupParams(args))
				return podList(l), err
			},
		},
		{
			use:   "scalers CLUSTER [NAMESPACE]",
			short: "List horizontal pod autoscalers",
			args:  cobra.RangeArgs(1, 2),
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, args []string) (any, error) {
				l, err := dispatch.Get[[]domain.Scaler](d, domain.ModuleCluster, domain.ProcScalers)(ctx, groupParams(args))
				return scalerList(l), err
			},
		},
		{
			use:   "images",
			short: "List repositories in the registry",
			args:  cobra.NoArgs,
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, _ []string) (any, error) {
				return dispatch.Get[[]string](d, domain.ModuleImages, domain.ProcImages)(ctx, dispatch.RequestInput{})
			},
		},
		{
			use:   "versions IMAGE",
			short: "List the tags of a repository, newest first",
			args:  cobra.ExactArgs(1),
			run: func(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, args []string) (any, error) {
				l, err := dispatch.Get[[]domain.Image](d, domain.ModuleImages, domain.ProcVersions)(ctx, dispatch.Params("name", args[0]))
				return imageList(l), err
			},
		},
		{
			use:   "set-image CLUSTER NAMESPACE DEPLOYMENT IMAGE TAG",
			short: "Point a deployment at a tag from the registry",
			args:  cobra.ExactArgs(5),
			run:   setImage,
		},
	}
}

func groupParams(args []string) dispatch.RequestInput {
	if len(args) > 1 {
		return dispatch.Params("cluster", args[0], "namespace", args[1])
	}
	return dispatch.Params("cluster", args[0])
}

// setImage resolves IMAGE:TAG against the registry before updating, so only
// published tags can be rolled out by hand.
func setImage(ctx context.Context, d *dispatch.Dispatcher, _ *cobra.Command, args []string) (any, error) {
	cluster, namespace, deployment, image, tag := args[0], args[1], args[2], args[3], args[4]
	versions, err := dispatch.Get[[]domain.Image](d, domain.ModuleImages, domain.ProcVersions)(ctx, dispatch.Params("name", image))
	if err != nil {
		return nil, err
	}
	var target *domain.Image
	for i := range versions {
		if versions[i].Tag == tag {
			target = &versions[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%s:%s not found in registry", image, tag)
	}

	in := dispatch.Value(domain.DeploymentUpdate{
		Group:      domain.Group{Cluster: cluster, Namespace: namespace},
		Deployment: domain.Deployment{Name: deployment},
		Image:      *target,
	})
	updated, err := dispatch.Get[domain.Deployment](d, domain.ModuleCluster, domain.ProcUpdateDeployment)(ctx, in)
	if err != nil {
		return nil, err
	}
	return deploymentList{updated}, nil
}
