// Package ec2 provisions benchmark instances on Amazon EC2.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/provider"
	"github.com/quatton/qbench/pkg/qlog"
	"github.com/quatton/qbench/pkg/remote"
	"github.com/quatton/qbench/pkg/remote/sshx"
)

// API is the subset of the EC2 client the provider calls.
type API interface {
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DescribeKeyPairs(ctx context.Context, in *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	CreateKeyPair(ctx context.Context, in *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// ClientFactory returns the client for a region.
type ClientFactory func(region string) (API, error)

// IngressPorts are opened on the security group.
var IngressPorts = []int32{22, 80}

// Provider implements provider.Provider for EC2.
type Provider struct {
	clientFor   ClientFactory
	keyDir      string
	waitTimeout time.Duration
	waiterDelay time.Duration
	dialer      remote.Dialer
	log         *qlog.Logger

	mu      sync.Mutex
	clients map[string]API
}

// Option configures a Provider
type Option func(*Provider)

// WithKeyDir sets where private keys are written. Defaults to key_pair.
func WithKeyDir(dir string) Option {
	return func(p *Provider) { p.keyDir = dir }
}

// WithWaitTimeout bounds WaitRunning.
func WithWaitTimeout(d time.Duration) Option {
	return func(p *Provider) { p.waitTimeout = d }
}

// WithDialer replaces the SSH dialer.
func WithDialer(d remote.Dialer) Option {
	return func(p *Provider) { p.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *qlog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

func withWaiterDelay(d time.Duration) Option {
	return func(p *Provider) { p.waiterDelay = d }
}

// New builds a Provider that creates one client per region from the
// default AWS credential chain.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	factory := func(region string) (API, error) {
		return ec2.NewFromConfig(cfg, func(o *ec2.Options) {
			if region != "" {
				o.Region = region
			}
		}), nil
	}
	return NewWithFactory(factory, opts...), nil
}

// NewWithFactory builds a Provider on top of custom clients.
func NewWithFactory(factory ClientFactory, opts ...Option) *Provider {
	p := &Provider{
		clientFor:   factory,
		keyDir:      "key_pair",
		waitTimeout: 10 * time.Minute,
		waiterDelay: 15 * time.Second,
		dialer:      sshx.NewDialer(),
		log:         qlog.NewDiscard(),
		clients:     map[string]API{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) client(region string) (API, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[region]; ok {
		return c, nil
	}
	c, err := p.clientFor(region)
	if err != nil {
		return nil, err
	}
	p.clients[region] = c
	return c, nil
}

func (p *Provider) Kind() fleet.ProviderKind {
	return fleet.ProviderEC2
}

func (p *Provider) Dialer() remote.Dialer {
	return p.dialer
}

// EnsureNetworkRule returns the security group called name, creating it
// with SSH and HTTP ingress when allowed.
func (p *Provider) EnsureNetworkRule(ctx context.Context, region, name string, create bool) (string, error) {
	c, err := p.client(region)
	if err != nil {
		return "", err
	}
	id, err := findSecurityGroup(ctx, c, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, provider.ErrNotFound) || !create {
		return "", err
	}

	out, err := c.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("qbench benchmark instances"),
	})
	if err != nil {
		if apiCode(err) == "InvalidGroup.Duplicate" {
			return findSecurityGroup(ctx, c, name)
		}
		return "", describeError("create security group", err)
	}
	id = aws.ToString(out.GroupId)

	perms := make([]types.IpPermission, 0, len(IngressPorts))
	for _, port := range IngressPorts {
		perms = append(perms, types.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(port),
			ToPort:     aws.Int32(port),
			IpRanges:   []types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		})
	}
	_, err = c.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(id),
		IpPermissions: perms,
	})
	if err != nil && apiCode(err) != "InvalidPermission.Duplicate" {
		return "", describeError("authorize ingress", err)
	}
	p.log.Info("created security group", "region", region, "name", name, "id", id)
	return id, nil
}

func findSecurityGroup(ctx context.Context, c API, name string) (string, error) {
	out, err := c.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{{Name: aws.String("group-name"), Values: []string{name}}},
	})
	if err != nil {
		return "", describeError("describe security groups", err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", fmt.Errorf("security group %s: %w", name, provider.ErrNotFound)
	}
	return aws.ToString(out.SecurityGroups[0].GroupId), nil
}

// KeyPath returns where the private key for name is stored.
func (p *Provider) KeyPath(name string) string {
	return filepath.Join(p.keyDir, name+".pem")
}

// EnsureKeyPair reuses a key whose private half is already on disk, or
// creates a new one when allowed.
func (p *Provider) EnsureKeyPair(ctx context.Context, region, name string, create bool) (provider.KeyPair, error) {
	kp := provider.KeyPair{Name: name, PrivateKeyPath: p.KeyPath(name)}
	if _, err := os.Stat(kp.PrivateKeyPath); err == nil {
		return kp, nil
	}
	if !create {
		return provider.KeyPair{}, fmt.Errorf("private key %s: %w", kp.PrivateKeyPath, provider.ErrNotFound)
	}

	c, err := p.client(region)
	if err != nil {
		return provider.KeyPair{}, err
	}
	existing, err := c.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		Filters: []types.Filter{{Name: aws.String("key-name"), Values: []string{name}}},
	})
	if err != nil && apiCode(err) != "InvalidKeyPair.NotFound" {
		return provider.KeyPair{}, describeError("describe key pairs", err)
	}
	if err == nil && len(existing.KeyPairs) > 0 {
		return provider.KeyPair{}, fmt.Errorf("key pair %s exists in %s but %s is missing", name, region, kp.PrivateKeyPath)
	}

	out, err := c.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   aws.String(name),
		KeyType:   types.KeyTypeRsa,
		KeyFormat: types.KeyFormatPem,
	})
	if err != nil {
		return provider.KeyPair{}, describeError("create key pair", err)
	}
	if err := os.MkdirAll(p.keyDir, 0o700); err != nil {
		return provider.KeyPair{}, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(kp.PrivateKeyPath, []byte(aws.ToString(out.KeyMaterial)), 0o400); err != nil {
		return provider.KeyPair{}, fmt.Errorf("failed to write private key: %w", err)
	}
	p.log.Info("created key pair", "region", region, "name", name, "path", kp.PrivateKeyPath)
	return kp, nil
}

// CreateInstance launches one instance.
func (p *Provider) CreateInstance(ctx context.Context, req provider.CreateRequest) (string, error) {
	c, err := p.client(req.Spec.Region)
	if err != nil {
		return "", err
	}
	out, err := c.RunInstances(ctx, runInstancesInput(req))
	if err != nil {
		return "", describeError("run instances", err)
	}
	if len(out.Instances) == 0 {
		return "", errors.New("run instances returned no instance")
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func runInstancesInput(req provider.CreateRequest) *ec2.RunInstancesInput {
	compute := req.Spec.Compute
	storage := compute.Storage

	ebs := &types.EbsBlockDevice{
		DeleteOnTermination: aws.Bool(storage.DeleteOnTermination),
		VolumeSize:          aws.Int32(storage.VolumeSizeGiB),
		VolumeType:          types.VolumeType(storage.VolumeType),
	}
	if storage.IOPS > 0 {
		ebs.Iops = aws.Int32(storage.IOPS)
	}

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(compute.Image),
		InstanceType: types.InstanceType(compute.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{DeviceName: aws.String(storage.DeviceName), Ebs: ebs},
		},
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags(req.Tags)},
		},
	}
	if req.KeyPair.Name != "" {
		in.KeyName = aws.String(req.KeyPair.Name)
	}
	if req.NetworkRuleID != "" {
		in.SecurityGroupIds = []string{req.NetworkRuleID}
	}
	if req.StartupScript != "" {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(req.StartupScript)))
	}
	if compute.InstanceProfileARN != "" {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: aws.String(compute.InstanceProfileARN)}
	}

	switch {
	case compute.CapacityReservationID != "":
		in.CapacityReservationSpecification = &types.CapacityReservationSpecification{
			CapacityReservationTarget: &types.CapacityReservationTarget{
				CapacityReservationId: aws.String(compute.CapacityReservationID),
			},
		}
	case compute.CapacityReservationGroupARN != "":
		in.CapacityReservationSpecification = &types.CapacityReservationSpecification{
			CapacityReservationTarget: &types.CapacityReservationTarget{
				CapacityReservationResourceGroupArn: aws.String(compute.CapacityReservationGroupARN),
			},
		}
	case compute.CapacityReservationPreference != "":
		in.CapacityReservationSpecification = &types.CapacityReservationSpecification{
			CapacityReservationPreference: types.CapacityReservationPreference(compute.CapacityReservationPreference),
		}
	}
	return in
}

func tags(m map[string]string) []types.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return out
}

// WaitRunning waits for the running state and returns the address and login
// user of the instance.
func (p *Provider) WaitRunning(ctx context.Context, region, instanceID string) (fleet.Handle, error) {
	c, err := p.client(region)
	if err != nil {
		return fleet.Handle{}, err
	}
	waiter := ec2.NewInstanceRunningWaiter(c, func(o *ec2.InstanceRunningWaiterOptions) {
		o.MinDelay = p.waiterDelay
		if o.MaxDelay < p.waiterDelay {
			o.MaxDelay = p.waiterDelay
		}
	})
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, p.waitTimeout)
	if err != nil {
		return fleet.Handle{}, describeError("wait for running", err)
	}
	inst, ok := firstInstance(out)
	if !ok {
		return fleet.Handle{}, fmt.Errorf("instance %s: %w", instanceID, provider.ErrNotFound)
	}
	return p.handle(ctx, c, region, inst), nil
}

// Describe returns the handle of a live instance.
func (p *Provider) Describe(ctx context.Context, region, instanceID string) (fleet.Handle, error) {
	c, err := p.client(region)
	if err != nil {
		return fleet.Handle{}, err
	}
	out, err := c.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		if apiCode(err) == "InvalidInstanceID.NotFound" {
			return fleet.Handle{}, fmt.Errorf("instance %s: %w", instanceID, provider.ErrNotFound)
		}
		return fleet.Handle{}, describeError("describe instances", err)
	}
	inst, ok := firstInstance(out)
	if !ok || inst.State == nil ||
		inst.State.Name == types.InstanceStateNameTerminated || inst.State.Name == types.InstanceStateNameShuttingDown {
		return fleet.Handle{}, fmt.Errorf("instance %s: %w", instanceID, provider.ErrNotFound)
	}
	return p.handle(ctx, c, region, inst), nil
}

// Terminate terminates the instance. An unknown instance is treated as
// already gone.
func (p *Provider) Terminate(ctx context.Context, region, instanceID string) error {
	c, err := p.client(region)
	if err != nil {
		return err
	}
	_, err = c.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil && apiCode(err) != "InvalidInstanceID.NotFound" {
		return describeError("terminate instances", err)
	}
	return nil
}

func (p *Provider) handle(ctx context.Context, c API, region string, inst types.Instance) fleet.Handle {
	host := aws.ToString(inst.PublicIpAddress)
	if host == "" {
		host = aws.ToString(inst.PrivateIpAddress)
	}
	return fleet.Handle{
		Provider:   fleet.ProviderEC2,
		Region:     region,
		InstanceID: aws.ToString(inst.InstanceId),
		Host:       host,
		User:       p.loginUser(ctx, c, aws.ToString(inst.ImageId)),
	}
}

// loginUser derives the default SSH user from the image name.
func (p *Provider) loginUser(ctx context.Context, c API, imageID string) string {
	if imageID == "" {
		return "ec2-user"
	}
	out, err := c.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
	if err != nil || len(out.Images) == 0 {
		p.log.Debug("image lookup failed, assuming ec2-user", "image", imageID, "error", err)
		return "ec2-user"
	}
	return UserForImage(aws.ToString(out.Images[0].Name))
}

// UserForImage returns "ubuntu" for Ubuntu images and "ec2-user" otherwise.
func UserForImage(name string) string {
	if strings.Contains(strings.ToLower(name), "ubuntu") {
		return "ubuntu"
	}
	return "ec2-user"
}

func firstInstance(out *ec2.DescribeInstancesOutput) (types.Instance, bool) {
	if out == nil {
		return types.Instance{}, false
	}
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return r.Instances[0], true
		}
	}
	return types.Instance{}, false
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// describeError adds a readable reason for the EC2 error codes that
// commonly stop a benchmark launch.
func describeError(op string, err error) error {
	code := apiCode(err)
	switch {
	case code == "InsufficientInstanceCapacity":
		return fmt.Errorf("%s: no capacity for this instance type in the zone: %w", op, err)
	case code == "InstanceLimitExceeded" || code == "VcpuLimitExceeded":
		return fmt.Errorf("%s: quota exceeded: %w", op, err)
	case strings.HasPrefix(code, "InvalidAMIID"):
		return fmt.Errorf("%s: invalid image: %w", op, err)
	case code == "UnauthorizedOperation":
		return fmt.Errorf("%s: missing IAM permission: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ provider.Provider = (*Provider)(nil)
