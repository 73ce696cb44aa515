package labconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/labctl/models"
)

const labYAML = `
lab_name: lab-a
login_user: lab
ssh_key_path: ~/.ssh/id_ed25519
defaults:
  image: gcr.io/acme/labnode:stable
  graceful_shutdown: true
  shutdown_timeout: 1h
  env:
    - {name: MODE, value: lab}
  mounts:
    - {type: bind, source: /var/lab, target: /data, read_only: true}
    - {type: tmpfs, target: /scratch, size: 1m, mode: "1777"}
  ports: ["9100:9100"]
clusters:
  - name: c1
    settings:
      control_server_url: http://control:9000
      auto_update: true
    hosts:
      - hostname: h1
      - hostname: h2
        login_user: admin
        settings:
          image: gcr.io/acme/labnode:canary
          port: 8100
          ports: ["127.0.0.1:8080:80"]
  - name: c2
    hosts:
      - hostname: h3
        settings:
          graceful_shutdown: false
          service_account_key_path: ~/keys/sa.json
`

func writeLab(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeLab(t, labYAML))
	require.NoError(t, err)
	assert.Equal(t, "lab-a", cfg.LabName)
	assert.Len(t, cfg.Clusters, 2)
	assert.NotEmpty(t, cfg.Path())

	hosts, err := cfg.Hosts()
	require.NoError(t, err)
	require.Len(t, hosts, 3)

	home, err := homedir.Dir()
	require.NoError(t, err)

	h1 := hosts[0]
	assert.Equal(t, "h1", h1.Hostname)
	assert.Equal(t, "lab", h1.LoginUser)
	assert.Equal(t, filepath.Join(home, ".ssh/id_ed25519"), h1.SSHKeyPath)
	assert.Equal(t, "lab-a", h1.LabName)
	assert.Equal(t, "c1", h1.ClusterName)
	assert.Equal(t, "labnode", h1.ContainerName)
	assert.Equal(t, "gcr.io/acme/labnode:stable", h1.Image)
	assert.Equal(t, 8000, h1.Port)
	assert.Equal(t, "bridge", h1.Network)
	assert.Equal(t, "http://control:9000", h1.ControlServerURL)
	assert.True(t, h1.AutoUpdate)
	assert.True(t, h1.GracefulShutdown)
	assert.Equal(t, time.Hour, h1.ShutdownTimeout)
	assert.Equal(t, []models.EnvVar{{Name: "MODE", Value: "lab"}}, h1.Env)
	assert.Equal(t, []models.MountSpec{
		{Type: models.MountBind, Source: "/var/lab", Target: "/data", ReadOnly: true},
		{Type: models.MountTmpfs, Target: "/scratch", Size: 1 << 20, Mode: "1777"},
	}, h1.Mounts)
	assert.Equal(t, []models.PortBinding{{HostPort: "9100", ContainerPort: "9100"}}, h1.Ports)

	h2 := hosts[1]
	assert.Equal(t, "admin", h2.LoginUser)
	assert.Equal(t, "gcr.io/acme/labnode:canary", h2.Image)
	assert.Equal(t, 8100, h2.Port)
	assert.Equal(t, []models.PortBinding{{HostPort: "127.0.0.1:8080", ContainerPort: "80"}}, h2.Ports)

	h3 := hosts[2]
	assert.True(t, h3.Standalone())
	assert.False(t, h3.AutoUpdate)
	assert.False(t, h3.GracefulShutdown)
	assert.Equal(t, filepath.Join(home, "keys/sa.json"), h3.ServiceAccountKeyPath)
}

func TestSelect(t *testing.T) {
	cfg, err := Load(writeLab(t, labYAML))
	require.NoError(t, err)

	names := func(hosts []models.HostConfig) []string {
		var out []string
		for _, h := range hosts {
			out = append(out, h.Hostname)
		}
		return out
	}

	tests := []struct {
		name    string
		targets []string
		want    []string
		wantErr bool
	}{
		{"all", nil, []string{"h1", "h2", "h3"}, false},
		{"cluster", []string{"c1"}, []string{"h1", "h2"}, false},
		{"host", []string{"h3"}, []string{"h3"}, false},
		{"file order and dedupe", []string{"h3", "c1", "h1"}, []string{"h1", "h2", "h3"}, false},
		{"unknown", []string{"c1", "nope"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hosts, err := cfg.Select(tt.targets)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(hosts))
		})
	}
}

func TestHost(t *testing.T) {
	cfg, err := Load(writeLab(t, labYAML))
	require.NoError(t, err)

	h, err := cfg.Host("h2")
	require.NoError(t, err)
	assert.Equal(t, "c1", h.ClusterName)

	_, err = cfg.Host("h9")
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "lab_name: a\nclusters: [{name: c, hosts: [{hostname: h}]}]\nimage: x\n"},
		{"no lab name", "clusters: [{name: c, hosts: [{hostname: h, settings: {image: ubuntu}}]}]\n"},
		{"no clusters", "lab_name: a\n"},
		{"missing image", "lab_name: a\nclusters: [{name: c, hosts: [{hostname: h}]}]\n"},
		{"bad image", "lab_name: a\ndefaults: {image: 'Bad Image'}\nclusters: [{name: c, hosts: [{hostname: h}]}]\n"},
		{"bad mount type", "lab_name: a\ndefaults: {image: ubuntu, mounts: [{type: nfs, source: x, target: /y}]}\nclusters: [{name: c, hosts: [{hostname: h}]}]\n"},
		{"bad size", "lab_name: a\ndefaults: {image: ubuntu, mounts: [{type: tmpfs, target: /y, size: huge}]}\nclusters: [{name: c, hosts: [{hostname: h}]}]\n"},
		{"bad port", "lab_name: a\ndefaults: {image: ubuntu, ports: ['x:y']}\nclusters: [{name: c, hosts: [{hostname: h}]}]\n"},
		{"bad duration", "lab_name: a\ndefaults: {image: ubuntu, shutdown_timeout: soon}\nclusters: [{name: c, hosts: [{hostname: h}]}]\n"},
		{"duplicate host", "lab_name: a\ndefaults: {image: ubuntu}\nclusters: [{name: c, hosts: [{hostname: h}]}, {name: d, hosts: [{hostname: h}]}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeLab(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	base := NodeSettings{Image: ptr("a"), Capabilities: []string{"NET_ADMIN"}}
	over := NodeSettings{Image: ptr("b"), Port: ptr(1)}
	got := merge(base, over)

	assert.Equal(t, "b", *got.Image)
	assert.Equal(t, 1, *got.Port)
	assert.Equal(t, []string{"NET_ADMIN"}, got.Capabilities)
	assert.Nil(t, got.Network)
}

func TestOverridesApply(t *testing.T) {
	host := models.HostConfig{
		Hostname:      "h1",
		ContainerName: "labnode",
		Image:         "gcr.io/acme/labnode:stable",
		Port:          8000,
	}
	err := Overrides{
		ContainerName: "labnode-2",
		Tag:           "v3",
		Port:          9000,
		LoginUser:     "ops",
		SSHKeyPath:    "/keys/id",
	}.Apply(&host)
	require.NoError(t, err)

	assert.Equal(t, "labnode-2", host.ContainerName)
	assert.Equal(t, "gcr.io/acme/labnode:v3", host.Image)
	assert.Equal(t, 9000, host.Port)
	assert.Equal(t, "ops", host.LoginUser)
	assert.Equal(t, "/keys/id", host.SSHKeyPath)

	require.NoError(t, Overrides{ImageName: "registry:5000/lab/node", Tag: "dev"}.Apply(&host))
	assert.Equal(t, "registry:5000/lab/node:dev", host.Image)

	assert.Error(t, Overrides{Tag: "bad tag!"}.Apply(&host))
}

func TestOverridesDaemonArgs(t *testing.T) {
	args, err := Overrides{}.DaemonArgs()
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = Overrides{
		ContainerName:         "labnode-2",
		ImageName:             "gcr.io/acme/labnode",
		Tag:                   "v3",
		Port:                  9000,
		ServiceAccountKeyPath: "/keys/sa.json",
		LoginUser:             "ops",
		SSHKeyPath:            "/keys/id",
	}.DaemonArgs()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--name", "labnode-2",
		"--image_name", "gcr.io/acme/labnode",
		"--tag", "v3",
		"--port", "9000",
		"--service_account_json_key_path", "/keys/sa.json",
	}, args)
}

func TestWithTag(t *testing.T) {
	tests := []struct {
		image string
		want  string
	}{
		{"ubuntu", "ubuntu:t"},
		{"ubuntu:24.04", "ubuntu:t"},
		{"registry:5000/lab/node", "registry:5000/lab/node:t"},
		{"registry:5000/lab/node:old", "registry:5000/lab/node:t"},
		{"gcr.io/acme/node@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", "gcr.io/acme/node:t"},
	}
	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			got, err := WithTag(tt.image, "t")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePortBinding(t *testing.T) {
	b, err := parsePortBinding("8000:8000")
	require.NoError(t, err)
	assert.Equal(t, models.PortBinding{HostPort: "8000", ContainerPort: "8000"}, b)

	b, err = parsePortBinding("53/udp")
	require.NoError(t, err)
	assert.Equal(t, models.PortBinding{HostPort: "53", ContainerPort: "53/udp"}, b)

	_, err = parsePortBinding("nope")
	assert.Error(t, err)
}
