package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/cli-runtime/pkg/genericclioptions"

	"node-rotator/internal/alerts"
	"node-rotator/internal/api"
	"node-rotator/internal/cloud"
	"node-rotator/internal/cloud/asg"
	"node-rotator/internal/cloud/instances"
	"node-rotator/internal/config"
	"node-rotator/internal/events"
	"node-rotator/internal/kubernetes/client"
	"node-rotator/internal/kubernetes/nodes"
	"node-rotator/internal/logger"
	"node-rotator/internal/metrics"
	"node-rotator/internal/resolver"
	"node-rotator/internal/retrier"
	"node-rotator/internal/rotation"
	"node-rotator/internal/rotation/state"
)

const pushTimeout = 15 * time.Second

// session holds everything a rotation run is wired from
type session struct {
	rotator  *rotation.Rotator
	tracker  *state.Tracker
	recorder *metrics.Recorder
}

func runRotate(ctx context.Context, cfg *config.Config, kubeFlags *genericclioptions.ConfigFlags, info BuildInfo) error {
	mainLogger := logger.NewDefault("main")
	mainLogger.Info("node-rotator starting",
		"version", info.Version,
		"role", cfg.Role,
		"resume_marker", cfg.ResumeMarker,
		"drain_timeout", cfg.DrainTimeout)

	s, err := newSession(ctx, cfg, kubeFlags, info)
	if err != nil {
		return err
	}

	rotateCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()
	g, gctx := errgroup.WithContext(rotateCtx)

	if cfg.APIEnabled {
		server := api.NewServer(s.tracker, s.recorder.Handler())
		g.Go(func() error {
			// the status API never stops a rotation
			if err := server.Start(gctx, cfg.APIPort); err != nil {
				mainLogger.Error("API server stopped", "error", err)
			}
			return nil
		})
	}

	var marker string
	g.Go(func() error {
		defer stopAPI()
		var err error
		marker, err = execute(gctx, cfg, s.rotator)
		return err
	})

	err = g.Wait()

	if cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		if pushErr := s.recorder.Push(pushCtx, cfg.PushgatewayURL, marker); pushErr != nil {
			mainLogger.Warn("Failed to push metrics", "error", pushErr)
		}
		cancel()
	}

	if err != nil {
		return err
	}
	mainLogger.Info("node-rotator finished", "completed_roles", len(s.tracker.GetSnapshot().Completed))
	return nil
}

// execute runs the configured rotation and returns the marker of the last
// role it worked on
func execute(ctx context.Context, cfg *config.Config, rotator *rotation.Rotator) (string, error) {
	if cfg.IsResume() {
		report, err := rotator.Resume(ctx, cfg.Role, cfg.ResumeMarker)
		if err != nil {
			return cfg.ResumeMarker, err
		}
		return report.Plan.Marker, nil
	}

	reports, err := rotator.RotateRoles(ctx, cfg.Roles())
	var perr *rotation.PhaseError
	if errors.As(err, &perr) {
		return perr.Marker, err
	}
	if len(reports) > 0 {
		return reports[len(reports)-1].Plan.Marker, err
	}
	return "", err
}

func newSession(ctx context.Context, cfg *config.Config, kubeFlags *genericclioptions.ConfigFlags, info BuildInfo) (*session, error) {
	k8sClient, err := client.NewK8sClient(kubeFlags, client.RateLimitedConfig{
		QPS:   cfg.KubeQPS,
		Burst: cfg.KubeBurst,
	}, "node-rotator/"+info.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Kubernetes client: %w", err)
	}

	awsCfg, err := cloud.LoadAWSConfig(ctx, cfg.AWSRegion, cfg.AWSProfile)
	if err != nil {
		return nil, err
	}
	logger.NewDefault("main").Info("Session ready",
		"kube_context", k8sClient.Context(),
		"aws_region", awsCfg.Region)

	exec := retrier.New(cfg.RetryAttempts, cfg.RetryDelay, logger.NewDefault("retrier"))
	limiter := cloud.NewRateLimiter(cfg.AWSAPIQPS, 1)

	nodeClient := nodes.NewClient(k8sClient.GetClientset(), nodeOptions(cfg), exec, logger.NewDefault("nodes"))
	groups := asg.NewFromConfig(awsCfg, exec, limiter, logger.NewDefault("asg"))
	ec2Client := instances.NewFromConfig(awsCfg, exec, limiter, logger.NewDefault("instances"))
	res := resolver.New(ec2Client, groups, cfg.InstanceLookup, logger.NewDefault("resolver"))

	s := &session{
		tracker:  state.NewTracker(),
		recorder: metrics.NewRecorder(),
	}
	observers := []rotation.Observer{s.tracker, s.recorder}

	alertManager := alerts.NewManager(alerts.Config{
		Enabled:             cfg.AlertsEnabled,
		SlackWebhookURL:     cfg.SlackWebhookURL,
		PagerDutyRoutingKey: cfg.PagerDutyRoutingKey,
	})
	if alertManager.IsEnabled() {
		observers = append(observers, alertManager)
	}
	if cfg.SQSQueueURL != "" {
		observers = append(observers, events.NewPublisher(awsCfg, cfg.SQSQueueURL))
	}

	s.rotator = rotation.New(rotation.Deps{
		Nodes:      nodeClient,
		Groups:     groups,
		Resolver:   res,
		Terminator: ec2Client,
	}, rotation.Settings{
		DrainTimeout: cfg.DrainTimeout,
		PollInterval: cfg.PollInterval,
		SettleDelay:  cfg.SettleDelay,
	}, logger.NewDefault("rotation"), observers...)

	return s, nil
}

func nodeOptions(cfg *config.Config) nodes.Options {
	roleValues := map[string]string{}
	for _, role := range []string{config.RoleControlPlane, config.RoleWorker} {
		if value, ok := cfg.RoleLabelValue(role); ok {
			roleValues[role] = value
		}
	}
	return nodes.Options{
		RoleLabelKey:   cfg.RoleLabelKey,
		MarkerLabelKey: cfg.MarkerLabelKey,
		RoleValues:     roleValues,
	}
}
