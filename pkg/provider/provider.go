// Package provider defines the compute backends instances are created on.
package provider

import (
	"context"
	"errors"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/remote"
)

// ErrNotFound is returned when an instance or named resource does not exist.
var ErrNotFound = errors.New("provider: resource not found")

// Provider creates and destroys compute on one cloud or cluster. Methods are
// safe for concurrent use.
type Provider interface {
	Kind() fleet.ProviderKind

	// EnsureNetworkRule returns the ID of the access rule called name,
	// creating it when create is true and it does not exist yet.
	EnsureNetworkRule(ctx context.Context, region, name string, create bool) (string, error)

	// EnsureKeyPair returns the key pair called name with a local private
	// key file, creating it when create is true.
	EnsureKeyPair(ctx context.Context, region, name string, create bool) (KeyPair, error)

	// CreateInstance starts compute and returns its provider ID.
	CreateInstance(ctx context.Context, req CreateRequest) (string, error)

	// WaitRunning blocks until the instance is running and addressable.
	WaitRunning(ctx context.Context, region, instanceID string) (fleet.Handle, error)

	// Describe returns the handle of an existing instance, or ErrNotFound.
	Describe(ctx context.Context, region, instanceID string) (fleet.Handle, error)

	// Terminate destroys the instance. Terminating a missing instance is
	// not an error.
	Terminate(ctx context.Context, region, instanceID string) error

	// Dialer opens remote sessions to this provider's instances.
	Dialer() remote.Dialer
}

// KeyPair is a named login key with its local private key file.
type KeyPair struct {
	Name           string `json:"name"`
	PrivateKeyPath string `json:"private_key_path"`
}

// CreateRequest carries everything needed to start one instance.
type CreateRequest struct {
	Spec          fleet.InstanceSpec
	NetworkRuleID string
	KeyPair       KeyPair
	// StartupScript is the boot script content, not a path.
	StartupScript string
	Tags          map[string]string
}
