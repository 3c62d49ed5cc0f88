// Package config loads experiment files and infrastructure settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/provision"
)

const (
	EnvPrefix  = "QBENCH"
	ConfigName = "qbench"
	ConfigRoot = ".qbench"
)

// Experiment is a loaded and resolved experiment file.
type Experiment struct {
	Name         string
	Steps        fleet.RunSteps
	Names        provision.Names
	Orchestrator OrchestratorSettings
	Instances    []fleet.InstanceSpec

	file string
	v    *viper.Viper
}

// OrchestratorSettings tune the engine.
type OrchestratorSettings struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxProbeErrors  int           `mapstructure:"max_probe_errors"`
	BootTimeout     time.Duration `mapstructure:"boot_timeout"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	DialAttempts    int           `mapstructure:"dial_attempts"`
	LaunchRetries   int           `mapstructure:"launch_retries"`
	LaunchDelay     time.Duration `mapstructure:"launch_delay"`
	LaunchSettle    time.Duration `mapstructure:"launch_settle"`
	ResultsDir      string        `mapstructure:"results_dir"`
	StateDir        string        `mapstructure:"state_dir"`
}

type fileConfig struct {
	General struct {
		Name string `mapstructure:"name"`
	} `mapstructure:"general"`
	RunSteps     fleet.RunSteps       `mapstructure:"run_steps"`
	NetworkRule  nameSection          `mapstructure:"network_rule"`
	KeyPair      nameSection          `mapstructure:"key_pair"`
	Defaults     instanceConfig       `mapstructure:"defaults"`
	Instances    []instanceConfig     `mapstructure:"instances"`
	Orchestrator OrchestratorSettings `mapstructure:"orchestrator"`
}

type nameSection struct {
	Name string `mapstructure:"name"`
}

// instanceConfig is one instance as written in the file. Pointer and zero
// fields are filled from defaults.
type instanceConfig struct {
	ID       string `mapstructure:"id"`
	Provider string `mapstructure:"provider"`
	Region   string `mapstructure:"region"`

	InstanceType                  string         `mapstructure:"instance_type"`
	Image                         string         `mapstructure:"image"`
	ImageName                     string         `mapstructure:"image_name"`
	Storage                       *storageConfig `mapstructure:"storage"`
	CapacityReservationID         string         `mapstructure:"capacity_reservation_id"`
	CapacityReservationGroupARN   string         `mapstructure:"capacity_reservation_group_arn"`
	CapacityReservationPreference string         `mapstructure:"capacity_reservation_preference"`
	InstanceProfileARN            string         `mapstructure:"instance_profile_arn"`

	Existing *fleet.ExistingInstance `mapstructure:"existing"`

	StartupScript string             `mapstructure:"startup_script"`
	RunScript     string             `mapstructure:"run_script"`
	Runs          []runConfig        `mapstructure:"runs"`
	Params        *fleet.RunParams   `mapstructure:"params"`
	Uploads       []fleet.UploadFile `mapstructure:"uploads"`
	Timeout       time.Duration      `mapstructure:"timeout"`
	Deploy        *bool              `mapstructure:"deploy"`
}

type storageConfig struct {
	DeviceName          string `mapstructure:"device_name"`
	VolumeSizeGiB       int32  `mapstructure:"volume_size_gib"`
	VolumeType          string `mapstructure:"volume_type"`
	IOPS                int32  `mapstructure:"iops"`
	DeleteOnTermination *bool  `mapstructure:"delete_on_termination"`
}

// runConfig accepts either a bare config path or a mapping.
type runConfig struct {
	Name       string           `mapstructure:"name"`
	ConfigFile string           `mapstructure:"config_file"`
	Params     *fleet.RunParams `mapstructure:"params"`
}

// Load reads an experiment file. With an empty path it reads qbench.yaml
// from the working directory and merges .qbench/config.yaml over it.
func Load(cfgFile string) (*Experiment, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		found := false
		for _, name := range []string{"qbench.yaml", "qbench.yml", ".qbench.yaml"} {
			if _, err := os.Stat(name); err == nil {
				v.SetConfigFile(name)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("reading config file %s: %w", name, err)
				}
				found = true
				break
			}
		}
		if !found {
			return nil, errors.New("no experiment file found; pass --config or create qbench.yaml")
		}

		localConfigPath := filepath.Join(ConfigRoot, "config.yaml")
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging local config: %w", err)
			}
		}
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		runShorthandHook(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	exp, err := resolve(fc, baseDir(v.ConfigFileUsed()))
	if err != nil {
		return nil, err
	}
	exp.file = v.ConfigFileUsed()
	exp.v = v
	return exp, nil
}

func setDefaults(v *viper.Viper) {
	steps := fleet.AllSteps()
	v.SetDefault("run_steps.create_network_rule", steps.CreateNetworkRule)
	v.SetDefault("run_steps.generate_key_pair", steps.GenerateKeyPair)
	v.SetDefault("run_steps.deploy_instance", steps.DeployInstance)
	v.SetDefault("run_steps.execute_run", steps.ExecuteRun)
	v.SetDefault("run_steps.delete_instance", steps.DeleteInstance)
	v.SetDefault("run_steps.teardown_on_error", steps.TeardownOnError)

	names := provision.DefaultNames()
	v.SetDefault("network_rule.name", names.NetworkRule)
	v.SetDefault("key_pair.name", names.KeyPair)

	v.SetDefault("orchestrator.poll_interval", "60s")
	v.SetDefault("orchestrator.max_probe_errors", 5)
	v.SetDefault("orchestrator.boot_timeout", "25m")
	v.SetDefault("orchestrator.teardown_timeout", "5m")
	v.SetDefault("orchestrator.transfer_timeout", "30m")
	v.SetDefault("orchestrator.dial_attempts", 7)
	v.SetDefault("orchestrator.launch_retries", 2)
	v.SetDefault("orchestrator.launch_delay", "60s")
	v.SetDefault("orchestrator.launch_settle", "2s")
	v.SetDefault("orchestrator.results_dir", "results")
	v.SetDefault("orchestrator.state_dir", ".")
}

// ConfigFileUsed returns the file that was read.
func (e *Experiment) ConfigFileUsed() string {
	return e.file
}

// Viper returns the underlying viper instance for flag binding.
func (e *Experiment) Viper() *viper.Viper {
	return e.v
}

func baseDir(file string) string {
	if file == "" {
		return "."
	}
	return filepath.Dir(file)
}

func resolve(fc fileConfig, dir string) (*Experiment, error) {
	exp := &Experiment{
		Name:         fc.General.Name,
		Steps:        fc.RunSteps,
		Names:        provision.Names{NetworkRule: fc.NetworkRule.Name, KeyPair: fc.KeyPair.Name},
		Orchestrator: fc.Orchestrator,
	}
	exp.Orchestrator.ResultsDir = absPath(dir, exp.Orchestrator.ResultsDir)
	exp.Orchestrator.StateDir = absPath(dir, exp.Orchestrator.StateDir)

	if len(fc.Instances) == 0 {
		return nil, errors.New("experiment defines no instances")
	}
	if err := exp.Orchestrator.Validate(); err != nil {
		return nil, err
	}

	var errs []error
	for i, ic := range fc.Instances {
		spec, err := ic.withDefaults(fc.Defaults).spec(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("instances[%d]: %w", i, err))
			continue
		}
		if spec.ID == "" {
			spec.ID = fmt.Sprintf("instance-%d", i)
		}
		exp.Instances = append(exp.Instances, spec)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return exp, nil
}

// Validate reports every out-of-range engine setting at once.
func (o OrchestratorSettings) Validate() error {
	var problems []string

	positive := func(name string, d time.Duration) {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("  orchestrator.%s must be positive, got %s", name, d))
		}
	}
	positive("poll_interval", o.PollInterval)
	positive("boot_timeout", o.BootTimeout)
	positive("teardown_timeout", o.TeardownTimeout)
	positive("transfer_timeout", o.TransferTimeout)

	if o.MaxProbeErrors < 1 {
		problems = append(problems, fmt.Sprintf("  orchestrator.max_probe_errors must be at least 1, got %d", o.MaxProbeErrors))
	}
	if o.DialAttempts < 1 {
		problems = append(problems, fmt.Sprintf("  orchestrator.dial_attempts must be at least 1, got %d", o.DialAttempts))
	}
	if o.LaunchRetries < 0 {
		problems = append(problems, fmt.Sprintf("  orchestrator.launch_retries must not be negative, got %d", o.LaunchRetries))
	}
	if o.LaunchDelay < 0 {
		problems = append(problems, fmt.Sprintf("  orchestrator.launch_delay must not be negative, got %s", o.LaunchDelay))
	}
	if o.LaunchSettle < 0 {
		problems = append(problems, fmt.Sprintf("  orchestrator.launch_settle must not be negative, got %s", o.LaunchSettle))
	}

	if len(problems) > 0 {
		return fmt.Errorf("orchestrator settings are invalid:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

func (ic instanceConfig) withDefaults(d instanceConfig) instanceConfig {
	str := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	str(&ic.Provider, d.Provider)
	str(&ic.Region, d.Region)
	str(&ic.InstanceType, d.InstanceType)
	str(&ic.Image, d.Image)
	str(&ic.ImageName, d.ImageName)
	str(&ic.CapacityReservationID, d.CapacityReservationID)
	str(&ic.CapacityReservationGroupARN, d.CapacityReservationGroupARN)
	str(&ic.CapacityReservationPreference, d.CapacityReservationPreference)
	str(&ic.InstanceProfileARN, d.InstanceProfileARN)
	str(&ic.StartupScript, d.StartupScript)
	str(&ic.RunScript, d.RunScript)

	if ic.Storage == nil {
		ic.Storage = d.Storage
	}
	if ic.Params == nil {
		ic.Params = d.Params
	}
	if len(ic.Uploads) == 0 {
		ic.Uploads = d.Uploads
	}
	if ic.Timeout == 0 {
		ic.Timeout = d.Timeout
	}
	if ic.Deploy == nil {
		ic.Deploy = d.Deploy
	}
	return ic
}

func (ic instanceConfig) spec(dir string) (fleet.InstanceSpec, error) {
	spec := fleet.InstanceSpec{
		ID:       ic.ID,
		Provider: fleet.ProviderKind(ic.Provider),
		Region:   ic.Region,
		Compute: fleet.ComputeSpec{
			InstanceType:                  ic.InstanceType,
			Image:                         ic.Image,
			ImageName:                     ic.ImageName,
			Storage:                       ic.Storage.resolve(),
			CapacityReservationID:         ic.CapacityReservationID,
			CapacityReservationGroupARN:   ic.CapacityReservationGroupARN,
			CapacityReservationPreference: ic.CapacityReservationPreference,
			InstanceProfileARN:            ic.InstanceProfileARN,
		},
		StartupScript: absPath(dir, ic.StartupScript),
		RunScript:     absPath(dir, ic.RunScript),
		Timeout:       ic.Timeout,
		Deploy:        ic.Deploy == nil || *ic.Deploy,
	}
	if spec.Provider == "" {
		spec.Provider = fleet.ProviderEC2
	}
	if spec.Timeout == 0 {
		spec.Timeout = fleet.DefaultTimeout
	}
	if spec.Timeout < fleet.MinTimeout || spec.Timeout > fleet.MaxTimeout {
		return spec, fmt.Errorf("timeout %s must be between %s and %s", spec.Timeout, fleet.MinTimeout, fleet.MaxTimeout)
	}

	if ic.Existing != nil {
		existing := *ic.Existing
		existing.PrivateKeyPath = absPath(dir, existing.PrivateKeyPath)
		spec.Existing = &existing
	}

	for i, rc := range ic.Runs {
		run := fleet.RunConfig{
			Name:       rc.Name,
			ConfigFile: absPath(dir, rc.ConfigFile),
		}
		switch {
		case rc.Params != nil:
			run.Params = *rc.Params
		case ic.Params != nil:
			run.Params = *ic.Params
		}
		if run.Name == "" {
			if rc.ConfigFile != "" {
				run.Name = strings.TrimSuffix(filepath.Base(rc.ConfigFile), filepath.Ext(rc.ConfigFile))
			} else {
				run.Name = fmt.Sprintf("run-%d", i)
			}
		}
		spec.Runs = append(spec.Runs, run)
	}
	for _, u := range ic.Uploads {
		spec.Uploads = append(spec.Uploads, fleet.UploadFile{Local: absPath(dir, u.Local), RemoteDir: u.RemoteDir})
	}
	return spec, nil
}

func (s *storageConfig) resolve() fleet.StorageSpec {
	out := fleet.DefaultStorage()
	if s == nil {
		return out
	}
	if s.DeviceName != "" {
		out.DeviceName = s.DeviceName
	}
	if s.VolumeSizeGiB != 0 {
		out.VolumeSizeGiB = s.VolumeSizeGiB
	}
	if s.VolumeType != "" {
		out.VolumeType = s.VolumeType
	}
	if s.IOPS != 0 {
		out.IOPS = s.IOPS
	}
	if s.DeleteOnTermination != nil {
		out.DeleteOnTermination = *s.DeleteOnTermination
	}
	return out
}

func absPath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(dir, p)
}

// secondsHook reads bare numbers as seconds for duration fields.
func secondsHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch n := data.(type) {
		case int:
			return time.Duration(n) * time.Second, nil
		case int64:
			return time.Duration(n) * time.Second, nil
		case float64:
			return time.Duration(n * float64(time.Second)), nil
		}
		return data, nil
	}
}

// runShorthandHook lets a run be written as just its config file path.
func runShorthandHook() mapstructure.DecodeHookFuncType {
	runType := reflect.TypeOf(runConfig{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != runType || from.Kind() != reflect.String {
			return data, nil
		}
		return map[string]any{"config_file": data}, nil
	}
}
