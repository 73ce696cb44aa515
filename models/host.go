package models

import (
	"net"
	"os"
	"strings"
	"time"
)

// HostConfig describes one target host and the lab node container it runs.
//
// A HostConfig is produced by the lab configuration loader once per command
// invocation and then treated as read-only by everything that drives the
// container lifecycle. Only the credential fields (LoginUser, LoginPassword,
// SSHKeyPath, SudoPassword) may be overwritten by command-line overrides
// before the fleet run starts.
//
// Example YAML host entry (see internal/labconfig):
//
//	hostname: lab-host-01
//	settings:
//	  image: gcr.io/acme/labnode:stable
//	  graceful_shutdown: true
//	  shutdown_timeout: 1h
type HostConfig struct {
	// Hostname is the DNS name or address used to reach the host
	Hostname string `json:"hostname" validate:"required"`

	// LoginUser is the SSH login identity (empty means the current user)
	LoginUser string `json:"loginUser,omitempty"`

	// LoginPassword is an optional SSH password
	LoginPassword string `json:"-"`

	// SSHKeyPath is an optional private key used for SSH authentication
	SSHKeyPath string `json:"sshKeyPath,omitempty"`

	// SudoPassword is the password fed to sudo for elevated commands
	SudoPassword string `json:"-"`

	// LabName is the lab this host belongs to
	LabName string `json:"labName"`

	// ClusterName is the cluster (host group) inside the lab
	ClusterName string `json:"clusterName"`

	// ContainerName is the name of the managed container
	ContainerName string `json:"containerName" validate:"required"`

	// Image is the full container image reference, passed to the runtime verbatim
	Image string `json:"image" validate:"required,imageref"`

	// Network is the container network to attach to
	Network string `json:"network"`

	// Port is the service port exposed by the lab node
	Port int `json:"port" validate:"min=0,max=65535"`

	// ControlServerURL points the node at a control server (worker mode).
	// Empty means the node runs standalone.
	ControlServerURL string `json:"controlServerUrl,omitempty"`

	// Env is the ordered list of environment variables for the container
	Env []EnvVar `json:"env,omitempty" validate:"dive"`

	// Mounts is the ordered list of bind, volume and tmpfs mounts
	Mounts []MountSpec `json:"mounts,omitempty" validate:"dive"`

	// Ports are published host:container port pairs
	Ports []PortBinding `json:"ports,omitempty" validate:"dive"`

	// Capabilities are added Linux capabilities (e.g. NET_ADMIN)
	Capabilities []string `json:"capabilities,omitempty"`

	// Devices are host device nodes passed into the container
	Devices []string `json:"devices,omitempty"`

	// Sysctls are key=value kernel parameters set in the container
	Sysctls []string `json:"sysctls,omitempty"`

	// ExtraArgs are raw arguments appended to the create command
	ExtraArgs []string `json:"extraArgs,omitempty"`

	// GracefulShutdown lets in-flight work finish before the container stops
	GracefulShutdown bool `json:"gracefulShutdown"`

	// ShutdownTimeout bounds a graceful drain (zero uses the configured default)
	ShutdownTimeout time.Duration `json:"shutdownTimeout,omitempty"`

	// AutoUpdate hands the host over to the init-system managed daemon
	AutoUpdate bool `json:"autoUpdate"`

	// ServiceAccountKeyPath is a local key file staged into the container
	ServiceAccountKeyPath string `json:"serviceAccountKeyPath,omitempty"`

	// SecretProject and SecretID name the secret the daemon refreshes the key from
	SecretProject string `json:"secretProject,omitempty"`
	SecretID      string `json:"secretId,omitempty"`
}

// EnvVar is a single container environment variable.
type EnvVar struct {
	Name  string `json:"name" yaml:"name" validate:"required"`
	Value string `json:"value" yaml:"value"`
}

// MountType selects how a MountSpec is materialized.
type MountType string

const (
	MountBind   MountType = "bind"
	MountVolume MountType = "volume"
	MountTmpfs  MountType = "tmpfs"
)

// MountSpec is one container mount.
type MountSpec struct {
	Type     MountType `json:"type" validate:"oneof=bind volume tmpfs"`
	Source   string    `json:"source,omitempty" validate:"required_unless=Type tmpfs,excluded_if=Type tmpfs"`
	Target   string    `json:"target" validate:"required,startswith=/"`
	ReadOnly bool      `json:"readOnly,omitempty"`

	// Size is the tmpfs size in bytes (0 = runtime default)
	Size int64 `json:"size,omitempty" validate:"min=0"`

	// Mode is the tmpfs file mode in octal (e.g. "1777")
	Mode string `json:"mode,omitempty" validate:"omitempty,octalmode"`
}

// PortBinding publishes a container port on the host.
type PortBinding struct {
	HostPort      string `json:"hostPort" validate:"required"`
	ContainerPort string `json:"containerPort" validate:"required"`
}

// Standalone reports whether the node runs without a control server.
func (h *HostConfig) Standalone() bool {
	return h.ControlServerURL == ""
}

// IsLocal reports whether the host is the machine labctl is running on.
// Besides localhost and the exact machine hostname, a name is local when it
// resolves to a loopback or local interface address.
func (h *HostConfig) IsLocal() bool {
	self, _ := os.Hostname()
	return isLocalName(h.Hostname, self, net.LookupIP, interfaceIPs)
}

func interfaceIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips
}

func isLocalName(name, self string, lookup func(string) ([]net.IP, error), local func() []net.IP) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" {
		return false
	}
	if name == "localhost" || name == strings.ToLower(self) {
		return true
	}

	ips := []net.IP{net.ParseIP(name)}
	if ips[0] == nil {
		var err error
		if ips, err = lookup(name); err != nil {
			return false
		}
	}
	own := local()
	for _, ip := range ips {
		if ip.IsLoopback() {
			return true
		}
		for _, o := range own {
			if o.Equal(ip) {
				return true
			}
		}
	}
	return false
}
