package docker

import (
	"strconv"
	"strings"

	"evalgo.org/labctl/models"
)

// Flags every lab node container is created with. The node talks to USB
// attached lab hardware and forwards syslog.
var baseCreateFlags = []string{
	"-it",
	"--device-cgroup-rule", "c 189:* rmw",
	"-v", "/dev/bus/usb:/dev/bus/usb",
	"--cap-add", "SYSLOG",
}

// StagedFile is a local file copied into the container after create and
// before start.
type StagedFile struct {
	LocalPath     string
	ContainerPath string
}

// ContainerSpec describes one container to create. Build it with
// NewContainerSpec and the With* methods; the order of repeated options is
// preserved in the generated arguments.
type ContainerSpec struct {
	Name     string
	Image    string
	Hostname string
	Network  string

	env     []models.EnvVar
	mounts  []models.MountSpec
	ports   []models.PortBinding
	caps    []string
	devices []string
	sysctls []string
	extra   []string
	files   []StagedFile
}

// NewContainerSpec starts a spec for container name running image.
func NewContainerSpec(name, image string) *ContainerSpec {
	return &ContainerSpec{Name: name, Image: image, Network: "bridge"}
}

func (s *ContainerSpec) WithHostname(hostname string) *ContainerSpec {
	s.Hostname = hostname
	return s
}

func (s *ContainerSpec) WithNetwork(network string) *ContainerSpec {
	if network != "" {
		s.Network = network
	}
	return s
}

// WithEnv appends an environment variable. Duplicate names are all emitted.
func (s *ContainerSpec) WithEnv(name, value string) *ContainerSpec {
	s.env = append(s.env, models.EnvVar{Name: name, Value: value})
	return s
}

func (s *ContainerSpec) WithBindMount(src, dst string, readOnly bool) *ContainerSpec {
	s.mounts = append(s.mounts, models.MountSpec{Type: models.MountBind, Source: src, Target: dst, ReadOnly: readOnly})
	return s
}

func (s *ContainerSpec) WithVolumeMount(volume, dst string) *ContainerSpec {
	s.mounts = append(s.mounts, models.MountSpec{Type: models.MountVolume, Source: volume, Target: dst})
	return s
}

// WithTmpfsMount adds a tmpfs. Zero size and empty mode are omitted.
func (s *ContainerSpec) WithTmpfsMount(dst string, size int64, mode string) *ContainerSpec {
	s.mounts = append(s.mounts, models.MountSpec{Type: models.MountTmpfs, Target: dst, Size: size, Mode: mode})
	return s
}

// WithMount adds a mount of any type.
func (s *ContainerSpec) WithMount(m models.MountSpec) *ContainerSpec {
	s.mounts = append(s.mounts, m)
	return s
}

func (s *ContainerSpec) WithPort(hostPort, containerPort string) *ContainerSpec {
	s.ports = append(s.ports, models.PortBinding{HostPort: hostPort, ContainerPort: containerPort})
	return s
}

func (s *ContainerSpec) WithCapability(capability string) *ContainerSpec {
	s.caps = append(s.caps, capability)
	return s
}

func (s *ContainerSpec) WithDevice(device string) *ContainerSpec {
	s.devices = append(s.devices, device)
	return s
}

func (s *ContainerSpec) WithSysctl(sysctl string) *ContainerSpec {
	s.sysctls = append(s.sysctls, sysctl)
	return s
}

// WithExtraArgs appends raw create arguments placed just before the image.
func (s *ContainerSpec) WithExtraArgs(args ...string) *ContainerSpec {
	s.extra = append(s.extra, args...)
	return s
}

// WithFile stages a local file to be copied into the container before start.
func (s *ContainerSpec) WithFile(localPath, containerPath string) *ContainerSpec {
	s.files = append(s.files, StagedFile{LocalPath: localPath, ContainerPath: containerPath})
	return s
}

// Files returns the staged files in the order they were added.
func (s *ContainerSpec) Files() []StagedFile {
	return append([]StagedFile(nil), s.files...)
}

// CreateArgs renders the arguments following the runtime binary.
func (s *ContainerSpec) CreateArgs() []string {
	args := []string{"create", "--name", s.Name}
	args = append(args, baseCreateFlags...)
	if s.Hostname != "" {
		args = append(args, "--hostname", s.Hostname)
	}
	args = append(args, "--network", s.Network)
	for _, e := range s.env {
		args = append(args, "-e", e.Name+"="+e.Value)
	}
	for _, m := range s.mounts {
		args = append(args, "--mount", MountFlag(m))
	}
	for _, p := range s.ports {
		args = append(args, "-p", p.HostPort+":"+p.ContainerPort)
	}
	for _, c := range s.caps {
		args = append(args, "--cap-add", c)
	}
	for _, d := range s.devices {
		args = append(args, "--device", d)
	}
	for _, sc := range s.sysctls {
		args = append(args, "--sysctl", sc)
	}
	args = append(args, s.extra...)
	return append(args, s.Image)
}

// MountFlag renders the value of a --mount flag.
func MountFlag(m models.MountSpec) string {
	var parts []string
	switch m.Type {
	case models.MountTmpfs:
		parts = append(parts, "type=tmpfs", "dst="+m.Target)
		if m.Size > 0 {
			parts = append(parts, "tmpfs-size="+strconv.FormatInt(m.Size, 10))
		}
		if m.Mode != "" {
			parts = append(parts, "tmpfs-mode="+m.Mode)
		}
	case models.MountVolume:
		parts = append(parts, "type=volume", "src="+m.Source, "dst="+m.Target)
	default:
		parts = append(parts, "type=bind", "src="+m.Source, "dst="+m.Target)
		if m.ReadOnly {
			parts = append(parts, "readonly")
		}
	}
	return strings.Join(parts, ",")
}
