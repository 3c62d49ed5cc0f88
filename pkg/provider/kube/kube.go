// Package kube runs benchmark instances as Kubernetes pods. The region of a
// spec selects the namespace; remote sessions use pod exec.
package kube

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/utils/ptr"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/provider"
	"github.com/quatton/qbench/pkg/qlog"
	"github.com/quatton/qbench/pkg/remote"
)

const (
	ContainerName = "bench"

	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedBy      = "qbench"
	SpecLabel      = "qbench.io/spec"
)

// Provider creates pods through client-go.
type Provider struct {
	client    kubernetes.Interface
	config    *rest.Config
	namespace string

	bootMarker   string
	pollInterval time.Duration
	waitTimeout  time.Duration
	exec         streamFunc
	log          *qlog.Logger
}

// Option configures a Provider
type Option func(*Provider)

// WithBootMarker sets the file the pod command creates once the startup
// script has finished.
func WithBootMarker(path string) Option {
	return func(p *Provider) { p.bootMarker = path }
}

// WithPolling sets how WaitRunning polls the pod status.
func WithPolling(interval, timeout time.Duration) Option {
	return func(p *Provider) {
		p.pollInterval = interval
		p.waitTimeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(l *qlog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

func withStream(fn streamFunc) Option {
	return func(p *Provider) { p.exec = fn }
}

// New returns a pod provider. namespace is used for specs without a region.
func New(client kubernetes.Interface, config *rest.Config, namespace string, opts ...Option) *Provider {
	p := &Provider{
		client:       client,
		config:       config,
		namespace:    namespace,
		bootMarker:   remote.DefaultLayout().BootMarker,
		pollInterval: 2 * time.Second,
		waitTimeout:  10 * time.Minute,
		log:          qlog.NewDiscard(),
	}
	if p.namespace == "" {
		p.namespace = metav1.NamespaceDefault
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.exec == nil {
		p.exec = spdyStream(client, config)
	}
	return p
}

func (p *Provider) Kind() fleet.ProviderKind {
	return fleet.ProviderKubernetes
}

func (p *Provider) ns(region string) string {
	if region == "" {
		return p.namespace
	}
	return region
}

// EnsureNetworkRule manages a NetworkPolicy that admits TCP 22 and 80 to
// qbench pods.
func (p *Provider) EnsureNetworkRule(ctx context.Context, region, name string, create bool) (string, error) {
	ns := p.ns(region)
	name = dnsName(name)
	policies := p.client.NetworkingV1().NetworkPolicies(ns)

	if _, err := policies.Get(ctx, name, metav1.GetOptions{}); err == nil {
		return name, nil
	} else if !k8serrors.IsNotFound(err) {
		return "", fmt.Errorf("failed to get network policy %s/%s: %w", ns, name, err)
	}
	if !create {
		return "", fmt.Errorf("network policy %s/%s: %w", ns, name, provider.ErrNotFound)
	}

	tcp := corev1.ProtocolTCP
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{ManagedByLabel: ManagedBy},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{ManagedByLabel: ManagedBy},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &tcp, Port: ptr.To(intstr.FromInt32(22))},
						{Protocol: &tcp, Port: ptr.To(intstr.FromInt32(80))},
					},
				},
			},
		},
	}
	if _, err := policies.Create(ctx, policy, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
		return "", fmt.Errorf("failed to create network policy %s/%s: %w", ns, name, err)
	}
	p.log.Info("created network policy", "namespace", ns, "name", name)
	return name, nil
}

// EnsureKeyPair returns a key pair without a private key: pod sessions
// authenticate with the kubeconfig credentials.
func (p *Provider) EnsureKeyPair(_ context.Context, _, name string, _ bool) (provider.KeyPair, error) {
	return provider.KeyPair{Name: name}, nil
}

// CreateInstance creates a pod that runs the startup script, creates the
// boot marker and then idles until it is deleted.
func (p *Provider) CreateInstance(ctx context.Context, req provider.CreateRequest) (string, error) {
	spec := req.Spec
	ns := p.ns(spec.Region)

	resources, err := parseResources(spec.Compute.InstanceType)
	if err != nil {
		return "", err
	}
	if size := spec.Compute.Storage.VolumeSizeGiB; size > 0 {
		q := resource.MustParse(fmt.Sprintf("%dGi", size))
		if resources.Requests == nil {
			resources.Requests = corev1.ResourceList{}
		}
		resources.Requests[corev1.ResourceEphemeralStorage] = q
	}

	labels := map[string]string{ManagedByLabel: ManagedBy}
	for k, v := range req.Tags {
		if key := labelKey(k); key != "" {
			labels[key] = labelValue(v)
		}
	}
	labels[SpecLabel] = labelValue(spec.ID)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   podName(spec.ID),
			Labels: labels,
			Annotations: map[string]string{
				"qbench.io/network-policy": req.NetworkRuleID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			TerminationGracePeriodSeconds: ptr.To(int64(10)),
			AutomountServiceAccountToken:  ptr.To(false),
			Containers: []corev1.Container{
				{
					Name:            ContainerName,
					Image:           spec.Compute.Image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Command:         []string{"/bin/bash", "-c", bootCommand(req.StartupScript, p.bootMarker)},
					WorkingDir:      "/root",
					Resources:       resources,
				},
			},
		},
	}

	created, err := p.client.CoreV1().Pods(ns).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create pod in %s: %w", ns, err)
	}
	return created.Name, nil
}

// WaitRunning polls until the pod is Running with an IP.
func (p *Provider) WaitRunning(ctx context.Context, region, instanceID string) (fleet.Handle, error) {
	var h fleet.Handle
	err := wait.PollUntilContextTimeout(ctx, p.pollInterval, p.waitTimeout, true, func(ctx context.Context) (bool, error) {
		pod, err := p.client.CoreV1().Pods(p.ns(region)).Get(ctx, instanceID, metav1.GetOptions{})
		if err != nil {
			if k8serrors.IsNotFound(err) {
				return false, fmt.Errorf("pod %s: %w", instanceID, provider.ErrNotFound)
			}
			p.log.Debug("pod status unavailable", "pod", instanceID, "error", err)
			return false, nil
		}
		switch pod.Status.Phase {
		case corev1.PodFailed, corev1.PodSucceeded:
			return false, fmt.Errorf("pod %s exited with phase %s", instanceID, pod.Status.Phase)
		case corev1.PodRunning:
			if pod.Status.PodIP == "" {
				return false, nil
			}
			h = p.handle(region, pod)
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return fleet.Handle{}, err
	}
	return h, nil
}

func (p *Provider) Describe(ctx context.Context, region, instanceID string) (fleet.Handle, error) {
	pod, err := p.client.CoreV1().Pods(p.ns(region)).Get(ctx, instanceID, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return fleet.Handle{}, fmt.Errorf("pod %s: %w", instanceID, provider.ErrNotFound)
	}
	if err != nil {
		return fleet.Handle{}, err
	}
	return p.handle(region, pod), nil
}

// Terminate deletes the pod. A missing pod is not an error.
func (p *Provider) Terminate(ctx context.Context, region, instanceID string) error {
	err := p.client.CoreV1().Pods(p.ns(region)).Delete(ctx, instanceID, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To(int64(10)),
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", instanceID, err)
	}
	return nil
}

func (p *Provider) Dialer() remote.Dialer {
	return remote.DialerFunc(p.dial)
}

func (p *Provider) dial(ctx context.Context, h fleet.Handle) (remote.Session, error) {
	ns := h.Namespace
	if ns == "" {
		ns = p.ns(h.Region)
	}
	pod, err := p.client.CoreV1().Pods(ns).Get(ctx, h.InstanceID, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil, remote.Permanent(fmt.Errorf("pod %s/%s: %w", ns, h.InstanceID, provider.ErrNotFound))
	}
	if err != nil {
		return nil, err
	}
	if pod.Status.Phase != corev1.PodRunning {
		return nil, fmt.Errorf("pod %s/%s is %s", ns, h.InstanceID, pod.Status.Phase)
	}
	return &Session{stream: p.exec, namespace: ns, pod: h.InstanceID, container: ContainerName}, nil
}

func (p *Provider) handle(region string, pod *corev1.Pod) fleet.Handle {
	return fleet.Handle{
		Provider:   fleet.ProviderKubernetes,
		Region:     region,
		InstanceID: pod.Name,
		Host:       pod.Status.PodIP,
		User:       "root",
		Namespace:  pod.Namespace,
	}
}

var _ provider.Provider = (*Provider)(nil)

// parseResources reads an instance type written as "cpu=4,memory=16Gi" and
// applies it as both request and limit.
func parseResources(instanceType string) (corev1.ResourceRequirements, error) {
	var rr corev1.ResourceRequirements
	if strings.TrimSpace(instanceType) == "" {
		return rr, nil
	}
	list := corev1.ResourceList{}
	for _, part := range strings.Split(instanceType, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			return rr, fmt.Errorf("invalid resource %q, want name=quantity", part)
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return rr, fmt.Errorf("invalid quantity for %s: %w", name, err)
		}
		list[corev1.ResourceName(name)] = q
	}
	rr.Requests = list
	rr.Limits = list.DeepCopy()
	return rr, nil
}

func bootCommand(startup, marker string) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	if startup != "" {
		b.WriteString(startup)
		if !strings.HasSuffix(startup, "\n") {
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "touch %s\n", marker)
	b.WriteString("exec sleep infinity\n")
	return b.String()
}

var invalidDNS = regexp.MustCompile(`[^a-z0-9-]+`)

func dnsName(s string) string {
	s = invalidDNS.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = strings.TrimRight(s[:50], "-")
	}
	if s == "" {
		s = "qbench"
	}
	return s
}

func podName(specID string) string {
	return "qbench-" + dnsName(specID) + "-" + utilrand.String(5)
}

var invalidLabel = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func labelValue(v string) string {
	v = invalidLabel.ReplaceAllString(v, "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}

// labelKey keeps tag keys that are valid label names; others are dropped.
func labelKey(k string) string {
	prefix, name, ok := strings.Cut(k, "/")
	if !ok {
		name, prefix = prefix, ""
	}
	name = labelValue(name)
	if name == "" {
		return ""
	}
	if prefix == "" {
		return name
	}
	if strings.ToLower(prefix) != prefix || strings.ContainsAny(prefix, "_ ") {
		return ""
	}
	return prefix + "/" + name
}
