package client

import (
	"fmt"
	"time"

	"k8s.io/cli-runtime/pkg/genericclioptions"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"node-rotator/internal/logger"
)

// RateLimitedConfig holds client-side throttling for the Kubernetes API
type RateLimitedConfig struct {
	// QPS limits the number of queries per second
	QPS float32
	// Burst allows burst of requests
	Burst int
	// Timeout applies to every single request
	Timeout time.Duration
}

// DefaultRateLimits are used when no explicit limits are configured
var DefaultRateLimits = RateLimitedConfig{
	QPS:     20,
	Burst:   50,
	Timeout: 30 * time.Second,
}

// K8sClient wraps the Kubernetes clientset built from kubectl-style flags
type K8sClient struct {
	clientset kubernetes.Interface
	config    *rest.Config
	context   string
	logger    *logger.Logger
}

// NewK8sClient builds a clientset from the kubeconfig/context selected by
// getter. With no kubeconfig available the loader falls back to the
// in-cluster service account.
func NewK8sClient(getter genericclioptions.RESTClientGetter, limits RateLimitedConfig, userAgent string) (*K8sClient, error) {
	log := logger.NewDefault("k8s-client")

	config, err := getter.ToRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes configuration: %w", err)
	}

	if limits.QPS <= 0 {
		limits.QPS = DefaultRateLimits.QPS
	}
	if limits.Burst <= 0 {
		limits.Burst = DefaultRateLimits.Burst
	}
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultRateLimits.Timeout
	}
	config.QPS = limits.QPS
	config.Burst = limits.Burst
	config.Timeout = limits.Timeout
	if userAgent != "" {
		config.UserAgent = userAgent
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset: %w", err)
	}

	kubeContext := ""
	if raw, err := getter.ToRawKubeConfigLoader().RawConfig(); err == nil {
		kubeContext = raw.CurrentContext
	}
	if flags, ok := getter.(*genericclioptions.ConfigFlags); ok && flags.Context != nil && *flags.Context != "" {
		kubeContext = *flags.Context
	}

	log.Info("Kubernetes client initialized successfully",
		"host", config.Host,
		"context", kubeContext,
		"qps", float64(limits.QPS),
		"burst", limits.Burst,
	)

	return &K8sClient{
		clientset: clientset,
		config:    config,
		context:   kubeContext,
		logger:    log,
	}, nil
}

// NewFromClientset wraps an existing clientset
func NewFromClientset(clientset kubernetes.Interface) *K8sClient {
	return &K8sClient{
		clientset: clientset,
		logger:    logger.NewDefault("k8s-client"),
	}
}

// GetClientset returns the Kubernetes clientset
func (k *K8sClient) GetClientset() kubernetes.Interface {
	return k.clientset
}

// Context returns the kubeconfig context in use, empty when in-cluster
func (k *K8sClient) Context() string {
	return k.context
}
