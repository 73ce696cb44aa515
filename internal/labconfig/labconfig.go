// Package labconfig loads the lab file: the hosts, grouped into clusters, and
// the settings of the node container each of them runs.
//
// Settings are layered. A host inherits everything it does not set from its
// cluster, and a cluster from the lab defaults.
package labconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"evalgo.org/labctl/internal/validation"
	"evalgo.org/labctl/models"
)

// LabConfig is the parsed lab file.
type LabConfig struct {
	LabName    string        `yaml:"lab_name" validate:"required"`
	LoginUser  string        `yaml:"login_user"`
	SSHKeyPath string        `yaml:"ssh_key_path"`
	Defaults   NodeSettings  `yaml:"defaults"`
	Clusters   []ClusterSpec `yaml:"clusters" validate:"required,min=1,dive"`

	path string
}

// ClusterSpec is a named group of hosts sharing settings.
type ClusterSpec struct {
	Name     string       `yaml:"name" validate:"required"`
	Settings NodeSettings `yaml:"settings"`
	Hosts    []HostSpec   `yaml:"hosts" validate:"dive"`
}

// HostSpec is one host of a cluster.
type HostSpec struct {
	Hostname  string       `yaml:"hostname" validate:"required"`
	LoginUser string       `yaml:"login_user"`
	Settings  NodeSettings `yaml:"settings"`
}

// NodeSettings are the layered node options. Nil fields inherit.
type NodeSettings struct {
	Image                 *string         `yaml:"image" validate:"omitempty,imageref"`
	ContainerName         *string         `yaml:"container_name"`
	Port                  *int            `yaml:"port" validate:"omitempty,min=0,max=65535"`
	Network               *string         `yaml:"network"`
	ControlServerURL      *string         `yaml:"control_server_url" validate:"omitempty,url"`
	GracefulShutdown      *bool           `yaml:"graceful_shutdown"`
	ShutdownTimeout       *Duration       `yaml:"shutdown_timeout"`
	AutoUpdate            *bool           `yaml:"auto_update"`
	Env                   []models.EnvVar `yaml:"env" validate:"dive"`
	Mounts                []MountSettings `yaml:"mounts" validate:"dive"`
	Ports                 []string        `yaml:"ports" validate:"dive,portspec"`
	Capabilities          []string        `yaml:"capabilities"`
	Devices               []string        `yaml:"devices"`
	Sysctls               []string        `yaml:"sysctls"`
	ExtraArgs             []string        `yaml:"extra_args"`
	ServiceAccountKeyPath *string         `yaml:"service_account_key_path"`
	SecretProject         *string         `yaml:"secret_project"`
	SecretID              *string         `yaml:"secret_id"`
	SudoPassword          *string          `yaml:"sudo_password"`
}

// MountSettings is a mount as written in the lab file.
type MountSettings struct {
	Type     string `yaml:"type" validate:"oneof=bind volume tmpfs"`
	Source   string `yaml:"source"`
	Target   string `yaml:"target" validate:"required"`
	ReadOnly bool   `yaml:"read_only"`
	Size     string `yaml:"size" validate:"omitempty,bytesize"`
	Mode     string `yaml:"mode" validate:"omitempty,octalmode"`
}

// Duration accepts Go duration strings such as "90s" or "1h30m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Defaults applied below the lab file's own defaults.
var builtinDefaults = NodeSettings{
	ContainerName: ptr("labnode"),
	Port:          ptr(8000),
	Network:       ptr("bridge"),
}

func ptr[T any](v T) *T { return &v }

// Load reads and validates the lab file at path.
func Load(path string) (*LabConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided path
	if err != nil {
		return nil, fmt.Errorf("read lab config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("lab config %s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes and validates lab file content. Unknown keys are rejected.
func Parse(data []byte) (*LabConfig, error) {
	var cfg LabConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path is the file the config was loaded from, if any.
func (c *LabConfig) Path() string {
	return c.path
}

// Validate checks the lab structure and every resolved host.
func (c *LabConfig) Validate() error {
	v := validation.New()
	if err := v.Struct(c).Err(); err != nil {
		return err
	}

	seen := make(map[string]string)
	for _, cluster := range c.Clusters {
		for _, h := range cluster.Hosts {
			if other, dup := seen[h.Hostname]; dup {
				return fmt.Errorf("host %s appears in clusters %s and %s", h.Hostname, other, cluster.Name)
			}
			seen[h.Hostname] = cluster.Name
		}
	}

	hosts, err := c.Hosts()
	if err != nil {
		return err
	}
	var errs []error
	for i := range hosts {
		if err := v.ValidateHost(&hosts[i]).Err(); err != nil {
			errs = append(errs, fmt.Errorf("host %s: %w", hosts[i].Hostname, err))
		}
	}
	return errors.Join(errs...)
}

// Hosts resolves every host in file order.
func (c *LabConfig) Hosts() ([]models.HostConfig, error) {
	var hosts []models.HostConfig
	for _, cluster := range c.Clusters {
		for _, h := range cluster.Hosts {
			host, err := c.resolve(cluster, h)
			if err != nil {
				return nil, err
			}
			hosts = append(hosts, host)
		}
	}
	return hosts, nil
}

// Host resolves a single host by hostname.
func (c *LabConfig) Host(hostname string) (models.HostConfig, error) {
	for _, cluster := range c.Clusters {
		for _, h := range cluster.Hosts {
			if h.Hostname == hostname {
				return c.resolve(cluster, h)
			}
		}
	}
	return models.HostConfig{}, fmt.Errorf("host %s not found in lab %s", hostname, c.LabName)
}

// Select resolves the hosts named by targets, each a cluster name or a
// hostname. No targets selects every host. The result keeps file order and
// contains each host once.
func (c *LabConfig) Select(targets []string) ([]models.HostConfig, error) {
	all, err := c.Hosts()
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return all, nil
	}

	wanted := make(map[string]bool)
	for _, t := range targets {
		matched := false
		for _, h := range all {
			if h.ClusterName == t || h.Hostname == t {
				wanted[h.Hostname] = true
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("%q is neither a cluster nor a host of lab %s", t, c.LabName)
		}
	}

	var selected []models.HostConfig
	for _, h := range all {
		if wanted[h.Hostname] {
			selected = append(selected, h)
		}
	}
	return selected, nil
}

func (c *LabConfig) resolve(cluster ClusterSpec, h HostSpec) (models.HostConfig, error) {
	s := merge(builtinDefaults, c.Defaults, cluster.Settings, h.Settings)

	host := models.HostConfig{
		Hostname:         h.Hostname,
		LoginUser:        first(h.LoginUser, c.LoginUser),
		SSHKeyPath:       c.SSHKeyPath,
		LabName:          c.LabName,
		ClusterName:      cluster.Name,
		ContainerName:    deref(s.ContainerName),
		Image:            deref(s.Image),
		Network:          deref(s.Network),
		Port:             deref(s.Port),
		ControlServerURL: deref(s.ControlServerURL),
		GracefulShutdown: deref(s.GracefulShutdown),
		AutoUpdate:       deref(s.AutoUpdate),
		Env:              s.Env,
		Capabilities:     s.Capabilities,
		Devices:          s.Devices,
		Sysctls:          s.Sysctls,
		ExtraArgs:        s.ExtraArgs,
		SecretProject:    deref(s.SecretProject),
		SecretID:         deref(s.SecretID),
		SudoPassword:     deref(s.SudoPassword),
	}
	if s.ShutdownTimeout != nil {
		host.ShutdownTimeout = s.ShutdownTimeout.Duration
	}

	var err error
	if host.SSHKeyPath, err = expand(host.SSHKeyPath); err != nil {
		return host, err
	}
	if host.ServiceAccountKeyPath, err = expand(deref(s.ServiceAccountKeyPath)); err != nil {
		return host, err
	}

	for _, m := range s.Mounts {
		mount, err := m.toModel()
		if err != nil {
			return host, fmt.Errorf("host %s: %w", h.Hostname, err)
		}
		host.Mounts = append(host.Mounts, mount)
	}
	for _, p := range s.Ports {
		binding, err := parsePortBinding(p)
		if err != nil {
			return host, fmt.Errorf("host %s: %w", h.Hostname, err)
		}
		host.Ports = append(host.Ports, binding)
	}
	return host, nil
}

func (m MountSettings) toModel() (models.MountSpec, error) {
	spec := models.MountSpec{
		Type:     models.MountType(m.Type),
		Source:   m.Source,
		Target:   m.Target,
		ReadOnly: m.ReadOnly,
		Mode:     m.Mode,
	}
	if m.Size != "" {
		size, err := units.RAMInBytes(m.Size)
		if err != nil {
			return spec, fmt.Errorf("mount %s: size %q: %w", m.Target, m.Size, err)
		}
		spec.Size = size
	}
	if spec.Type == models.MountBind && spec.Source != "" {
		src, err := expand(spec.Source)
		if err != nil {
			return spec, err
		}
		spec.Source = src
	}
	return spec, nil
}

// merge layers settings left to right; later layers win. Scalars are
// replaced when set; lists are replaced when non-empty.
func merge(layers ...NodeSettings) NodeSettings {
	var out NodeSettings
	for _, l := range layers {
		pick(&out.Image, l.Image)
		pick(&out.ContainerName, l.ContainerName)
		pick(&out.Port, l.Port)
		pick(&out.Network, l.Network)
		pick(&out.ControlServerURL, l.ControlServerURL)
		pick(&out.GracefulShutdown, l.GracefulShutdown)
		pick(&out.ShutdownTimeout, l.ShutdownTimeout)
		pick(&out.AutoUpdate, l.AutoUpdate)
		pick(&out.ServiceAccountKeyPath, l.ServiceAccountKeyPath)
		pick(&out.SecretProject, l.SecretProject)
		pick(&out.SecretID, l.SecretID)
		pick(&out.SudoPassword, l.SudoPassword)
		pickList(&out.Env, l.Env)
		pickList(&out.Mounts, l.Mounts)
		pickList(&out.Ports, l.Ports)
		pickList(&out.Capabilities, l.Capabilities)
		pickList(&out.Devices, l.Devices)
		pickList(&out.Sysctls, l.Sysctls)
		pickList(&out.ExtraArgs, l.ExtraArgs)
	}
	return out
}

func pick[T any](dst **T, v *T) {
	if v != nil {
		*dst = v
	}
}

func pickList[T any](dst *[]T, v []T) {
	if len(v) > 0 {
		*dst = append([]T(nil), v...)
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func expand(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return expanded, nil
}
