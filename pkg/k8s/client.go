// Package k8s builds Kubernetes clients for the pod provider.
package k8s

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client bundles a clientset with the REST config exec streams need.
type Client struct {
	Clientset kubernetes.Interface
	Config    *rest.Config
}

// NewClient creates a client from kubeconfig. With an empty path it tries
// in-cluster config first, then $KUBECONFIG, then ~/.kube/config.
func NewClient(kubeconfig string) (*Client, error) {
	config, err := GetConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return &Client{Clientset: clientset, Config: config}, nil
}

// GetConfig returns a Kubernetes REST config.
func GetConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return config, nil
		}
		kubeconfig = DefaultKubeconfig()
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig from %s: %w", kubeconfig, err)
	}
	return config, nil
}

// DefaultKubeconfig returns $KUBECONFIG or ~/.kube/config.
func DefaultKubeconfig() string {
	if kubeconfig := os.Getenv("KUBECONFIG"); kubeconfig != "" {
		return kubeconfig
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kube", "config")
}
