package labconfig

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/google/go-containerregistry/pkg/name"

	"evalgo.org/labctl/models"
)

// Overrides are command-line settings applied on top of the lab file. Empty
// fields leave the host unchanged.
type Overrides struct {
	ContainerName         string
	ImageName             string
	Tag                   string
	Port                  int
	ServiceAccountKeyPath string
	LoginUser             string
	SSHKeyPath            string
}

// Apply writes the overrides into host.
func (o Overrides) Apply(host *models.HostConfig) error {
	if o.ContainerName != "" {
		host.ContainerName = o.ContainerName
	}
	if o.ImageName != "" {
		host.Image = o.ImageName
	}
	if o.Tag != "" {
		image, err := WithTag(host.Image, o.Tag)
		if err != nil {
			return err
		}
		host.Image = image
	}
	if o.Port != 0 {
		host.Port = o.Port
	}
	if o.LoginUser != "" {
		host.LoginUser = o.LoginUser
	}

	var err error
	if o.ServiceAccountKeyPath != "" {
		if host.ServiceAccountKeyPath, err = expand(o.ServiceAccountKeyPath); err != nil {
			return err
		}
	}
	if o.SSHKeyPath != "" {
		if host.SSHKeyPath, err = expand(o.SSHKeyPath); err != nil {
			return err
		}
	}
	return nil
}

// DaemonArgs renders the node overrides as daemon flags so a daemon started
// on the host applies the same settings. SSH settings are not forwarded.
func (o Overrides) DaemonArgs() ([]string, error) {
	var args []string
	if o.ContainerName != "" {
		args = append(args, "--name", o.ContainerName)
	}
	if o.ImageName != "" {
		args = append(args, "--image_name", o.ImageName)
	}
	if o.Tag != "" {
		args = append(args, "--tag", o.Tag)
	}
	if o.Port != 0 {
		args = append(args, "--port", strconv.Itoa(o.Port))
	}
	if o.ServiceAccountKeyPath != "" {
		path, err := expand(o.ServiceAccountKeyPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--service_account_json_key_path", path)
	}
	return args, nil
}

// WithTag replaces the tag or digest of image with tag. The repository part
// is kept exactly as written.
func WithTag(image, tag string) (string, error) {
	if _, err := name.ParseReference(image); err != nil {
		return "", fmt.Errorf("image %q: %w", image, err)
	}

	repo := image
	if at := strings.Index(repo, "@"); at >= 0 {
		repo = repo[:at]
	}
	if colon := strings.LastIndex(repo, ":"); colon > strings.LastIndex(repo, "/") {
		repo = repo[:colon]
	}

	tagged := repo + ":" + tag
	if _, err := name.NewTag(tagged); err != nil {
		return "", fmt.Errorf("tag %q: %w", tag, err)
	}
	return tagged, nil
}

// parsePortBinding splits "[ip:]host:container[/proto]" keeping both sides
// verbatim.
func parsePortBinding(spec string) (models.PortBinding, error) {
	if _, err := nat.ParsePortSpec(spec); err != nil {
		return models.PortBinding{}, fmt.Errorf("port %q: %w", spec, err)
	}
	colon := strings.LastIndex(spec, ":")
	if colon < 0 {
		// container port only, published on the same host port
		port := spec
		if slash := strings.Index(port, "/"); slash >= 0 {
			port = port[:slash]
		}
		if _, err := strconv.Atoi(port); err != nil {
			return models.PortBinding{}, fmt.Errorf("port %q: host port required", spec)
		}
		return models.PortBinding{HostPort: port, ContainerPort: spec}, nil
	}
	return models.PortBinding{HostPort: spec[:colon], ContainerPort: spec[colon+1:]}, nil
}
