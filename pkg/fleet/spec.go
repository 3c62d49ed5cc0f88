package fleet

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProviderKind names the backend that owns an instance.
type ProviderKind string

const (
	ProviderEC2        ProviderKind = "ec2"
	ProviderKubernetes ProviderKind = "kubernetes"
)

// InstanceSpec is the fully resolved, immutable description of one instance
// in an experiment. It is passed by value.
type InstanceSpec struct {
	ID       string       `json:"id"`
	Provider ProviderKind `json:"provider"`
	Region   string       `json:"region"`

	// Compute is ignored when Existing is set.
	Compute  ComputeSpec       `json:"compute"`
	Existing *ExistingInstance `json:"existing,omitempty"`

	// StartupScript runs once at boot and must create the boot marker.
	StartupScript string `json:"startup_script,omitempty"`
	// RunScript is a text/template rendered for every RunConfig.
	RunScript string `json:"run_script"`

	Runs    []RunConfig  `json:"runs"`
	Uploads []UploadFile `json:"uploads,omitempty"`

	// Timeout bounds each run's completion wait.
	Timeout time.Duration `json:"timeout"`
	Deploy  bool          `json:"deploy"`
}

// ComputeSpec describes compute to create.
type ComputeSpec struct {
	InstanceType string      `json:"instance_type"`
	Image        string      `json:"image"`
	ImageName    string      `json:"image_name,omitempty"`
	Storage      StorageSpec `json:"storage"`

	CapacityReservationID         string `json:"capacity_reservation_id,omitempty"`
	CapacityReservationGroupARN   string `json:"capacity_reservation_group_arn,omitempty"`
	CapacityReservationPreference string `json:"capacity_reservation_preference,omitempty"`

	InstanceProfileARN string `json:"instance_profile_arn,omitempty"`
}

// StorageSpec describes the root volume.
type StorageSpec struct {
	DeviceName          string `json:"device_name"`
	VolumeSizeGiB       int32  `json:"volume_size_gib"`
	VolumeType          string `json:"volume_type"`
	IOPS                int32  `json:"iops,omitempty"`
	DeleteOnTermination bool   `json:"delete_on_termination"`
}

// ExistingInstance identifies a bring-your-own instance.
type ExistingInstance struct {
	ID             string `json:"id" mapstructure:"id"`
	PrivateKeyPath string `json:"private_key_path" mapstructure:"private_key_path"`
	Host           string `json:"host,omitempty" mapstructure:"host"`
	User           string `json:"user,omitempty" mapstructure:"user"`
}

// RunConfig is one benchmark configuration executed on an instance.
type RunConfig struct {
	Name       string    `json:"name"`
	ConfigFile string    `json:"config_file"`
	Params     RunParams `json:"params"`
}

// RunParams are substituted into the run script.
type RunParams struct {
	LocalMode      bool   `json:"local_mode" mapstructure:"local_mode"`
	WriteBucket    string `json:"write_bucket,omitempty" mapstructure:"write_bucket"`
	AdditionalArgs string `json:"additional_args,omitempty" mapstructure:"additional_args"`
}

// UploadFile is a local file copied to the instance before any run starts.
type UploadFile struct {
	Local     string `json:"local" mapstructure:"local"`
	RemoteDir string `json:"remote_dir" mapstructure:"remote_dir"`
}

// DefaultStorage mirrors the volume most benchmark hosts are launched with.
func DefaultStorage() StorageSpec {
	return StorageSpec{
		DeviceName:          "/dev/sda1",
		VolumeSizeGiB:       250,
		VolumeType:          "gp3",
		IOPS:                16000,
		DeleteOnTermination: true,
	}
}

const (
	DefaultTimeout = 2400 * time.Second
	MinTimeout     = 60 * time.Second
	MaxTimeout     = 86400 * time.Second
)

// BYO reports whether the spec targets an existing instance.
func (s InstanceSpec) BYO() bool {
	return s.Existing != nil
}

// Validate checks the spec is usable by the engine.
func (s InstanceSpec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if !s.Deploy {
		return errors.Join(errs...)
	}
	switch s.Provider {
	case ProviderEC2, ProviderKubernetes:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", s.Provider))
	}
	if s.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if len(s.Runs) == 0 {
		errs = append(errs, errors.New("at least one run config is required"))
	}
	if s.RunScript == "" {
		errs = append(errs, errors.New("run script is required"))
	}
	if s.Existing != nil {
		if s.Existing.ID == "" {
			errs = append(errs, errors.New("existing instance id is required"))
		}
		if s.Existing.PrivateKeyPath == "" && s.Provider == ProviderEC2 {
			errs = append(errs, errors.New("existing instance private key path is required"))
		}
	} else {
		if s.Compute.Image == "" {
			errs = append(errs, errors.New("compute image is required"))
		}
		if s.Provider == ProviderEC2 && s.Compute.InstanceType == "" {
			errs = append(errs, errors.New("compute instance type is required"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("instance %q: %w", s.ID, err)
	}
	return nil
}

// RunSteps gates which phases of the lifecycle actually execute.
type RunSteps struct {
	CreateNetworkRule bool `json:"create_network_rule" mapstructure:"create_network_rule"`
	GenerateKeyPair   bool `json:"generate_key_pair" mapstructure:"generate_key_pair"`
	DeployInstance    bool `json:"deploy_instance" mapstructure:"deploy_instance"`
	ExecuteRun        bool `json:"execute_run" mapstructure:"execute_run"`
	DeleteInstance    bool `json:"delete_instance" mapstructure:"delete_instance"`
	// TeardownOnError tears down instances that ended in Failed.
	TeardownOnError bool `json:"teardown_on_error" mapstructure:"teardown_on_error"`
}

// AllSteps enables every step.
func AllSteps() RunSteps {
	return RunSteps{
		CreateNetworkRule: true,
		GenerateKeyPair:   true,
		DeployInstance:    true,
		ExecuteRun:        true,
		DeleteInstance:    true,
		TeardownOnError:   true,
	}
}
