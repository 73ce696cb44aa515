package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrReadinessTimeout is returned when a standalone node never answers.
var ErrReadinessTimeout = errors.New("node did not become ready")

// Prober checks whether a node answers on its service port.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber treats any HTTP response, whatever the status, as ready.
type HTTPProber struct {
	Client *http.Client
}

// NewHTTPProber returns a prober whose single requests time out after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func readinessURL(hostname string, port int) string {
	return "http://" + net.JoinHostPort(hostname, strconv.Itoa(port)) + "/"
}

// waitReady polls url until it answers or the readiness budget runs out.
func (c *Controller) waitReady(ctx context.Context, url string) error {
	deadline := c.now().Add(c.opts.ReadinessTimeout)
	c.log.Infof("waiting for %s", url)
	for {
		err := c.prober.Probe(ctx, url)
		if err == nil {
			c.log.Infof("node is ready at %s", url)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.now().Before(deadline) {
			return fmt.Errorf("%w: %s after %s: %v", ErrReadinessTimeout, url, c.opts.ReadinessTimeout, err)
		}
		c.log.Debugf("not ready yet: %v", err)
		if err := c.sleep(ctx, c.opts.ReadinessInterval); err != nil {
			return err
		}
	}
}
