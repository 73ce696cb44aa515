package node

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/labctl/internal/hostexec"
	"evalgo.org/labctl/internal/hostexec/hostexectest"
	"evalgo.org/labctl/models"
)

const (
	runningLine = "docker inspect labnode --format '{{.State.Running}}'"
	pidLine     = "docker inspect labnode --format '{{.State.Pid}}'"
	imageLine   = "docker inspect labnode --format '{{.Image}}'"
)

var (
	running    = hostexectest.Out("true\n")
	notRunning = hostexectest.Out("false\n")
	missing    = hostexectest.Fail(1, "Error: No such object: labnode")
)

type fakeProber struct {
	calls int
	err   error
}

func (p *fakeProber) Probe(_ context.Context, _ string) error {
	p.calls++
	return p.err
}

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func testHost() models.HostConfig {
	return models.HostConfig{
		Hostname:      "h1",
		ContainerName: "labnode",
		Image:         "gcr.io/acme/labnode:v2",
		Network:       "bridge",
		Port:          8000,
	}
}

func newTestController(host models.HostConfig, fake *hostexectest.Fake) (*Controller, *fakeProber, *fakeClock) {
	prober := &fakeProber{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	c := New(host, fake, DefaultOptions()).WithProber(prober)
	c.sleep = clock.Sleep
	c.now = clock.Now
	return c, prober, clock
}

func indexOf(lines []string, prefix string, nth int) int {
	seen := 0
	for i, l := range lines {
		if strings.HasPrefix(l, prefix) {
			seen++
			if seen == nth {
				return i
			}
		}
	}
	return -1
}

func TestStartStandalone(t *testing.T) {
	fake := hostexectest.New("h1").On(runningLine, missing)
	c, prober, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, 1, fake.Count("docker create"))
	assert.Equal(t, 1, fake.Count("docker start labnode"))
	assert.Equal(t, 1, prober.calls)

	create := fake.Lines()[indexOf(fake.Lines(), "docker create", 1)]
	assert.Contains(t, create, "-p 8000:8000")
	assert.NotContains(t, create, "CONTROL_SERVER_URL")
	assert.True(t, strings.HasSuffix(create, " gcr.io/acme/labnode:v2"))
}

func TestStartWorker(t *testing.T) {
	host := testHost()
	host.ControlServerURL = "http://control:9000"
	host.ServiceAccountKeyPath = "/home/lab/sa.json"
	host.Env = []models.EnvVar{{Name: "MODE", Value: "lab"}}

	fake := hostexectest.New("h1").On(runningLine, missing)
	c, prober, _ := newTestController(host, fake)

	require.NoError(t, c.Start(context.Background()))
	assert.Zero(t, prober.calls)

	create := fake.Lines()[indexOf(fake.Lines(), "docker create", 1)]
	assert.Contains(t, create, "-e MODE=lab -e CONTROL_SERVER_URL=http://control:9000")
	assert.Contains(t, create, "-e GOOGLE_APPLICATION_CREDENTIALS="+ServiceAccountPath)
	assert.NotContains(t, create, "-p 8000:8000")

	copies := fake.Copies()
	require.Len(t, copies, 1)
	assert.Equal(t, "/home/lab/sa.json", copies[0].LocalPath)
	assert.Equal(t, 1, fake.Count("docker cp"))
}

func TestStartAlreadyRunning(t *testing.T) {
	fake := hostexectest.New("h1").On(runningLine, running)
	c, prober, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Start(context.Background()))
	assert.Zero(t, fake.Count("docker create"))
	assert.Zero(t, prober.calls)
}

func TestStartReadinessTimeout(t *testing.T) {
	fake := hostexectest.New("h1").On(runningLine, missing)
	c, prober, clock := newTestController(testHost(), fake)
	prober.err = errors.New("connection refused")
	c.opts.ReadinessTimeout = 10 * time.Second
	c.opts.ReadinessInterval = 2 * time.Second

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrReadinessTimeout)
	assert.Equal(t, 6, prober.calls)
	assert.Len(t, clock.sleeps, 5)
}

func TestStartRuntimeMissing(t *testing.T) {
	fake := hostexectest.New("h1")
	fake.Paths = map[string]string{}
	c, _, _ := newTestController(testHost(), fake)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Empty(t, fake.Lines())
}

func TestStopImmediate(t *testing.T) {
	fake := hostexectest.New("h1").On(runningLine, running)
	c, _, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Stop(context.Background(), StopOptions{}))

	lines := fake.Lines()
	kill := indexOf(lines, "docker kill -s TERM labnode", 1)
	wait := indexOf(lines, "docker container wait labnode", 1)
	rm := indexOf(lines, "docker container rm labnode", 1)
	require.NotEqual(t, -1, kill)
	require.NotEqual(t, -1, wait)
	require.NotEqual(t, -1, rm)
	assert.Less(t, kill, wait)
	assert.Less(t, wait, rm)

	calls := fake.Calls()
	assert.Equal(t, DefaultOptions().StopTimeout, calls[wait].Opts.Timeout)
	assert.Zero(t, fake.Count("docker exec"))
}

func TestStopGracefulUsesDrainBudget(t *testing.T) {
	host := testHost()
	host.GracefulShutdown = true
	host.ShutdownTimeout = 45 * time.Minute

	fake := hostexectest.New("h1").On(runningLine, running)
	c, _, _ := newTestController(host, fake)

	require.NoError(t, c.Stop(context.Background(), StopOptions{}))

	lines := fake.Lines()
	assert.Equal(t, 1, fake.Count("docker kill -s INT labnode"))
	wait := indexOf(lines, "docker container wait", 1)
	require.NotEqual(t, -1, wait)
	assert.Equal(t, 45*time.Minute, fake.Calls()[wait].Opts.Timeout)
}

func TestStopWaitFlagDrains(t *testing.T) {
	fake := hostexectest.New("h1").On(runningLine, running)
	c, _, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Stop(context.Background(), StopOptions{Wait: true}))
	assert.Equal(t, 1, fake.Count("docker kill -s INT"))

	wait := indexOf(fake.Lines(), "docker container wait", 1)
	assert.Equal(t, DefaultOptions().GracefulTimeout, fake.Calls()[wait].Opts.Timeout)
}

func TestStopNotRunning(t *testing.T) {
	fake := hostexectest.New("h1").On(runningLine, notRunning)
	c, _, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Stop(context.Background(), StopOptions{}))
	assert.Zero(t, fake.Count("docker kill"))
	assert.Equal(t, 1, fake.Count("docker container rm labnode"))
}

func TestStopKillRaceWithExit(t *testing.T) {
	fake := hostexectest.New("h1").
		On(runningLine, running, notRunning).
		On("docker kill", hostexectest.Fail(1, "container labnode is not running"))
	c, _, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Stop(context.Background(), StopOptions{}))
	assert.Equal(t, 1, fake.Count("docker container rm"))
}

func TestStopTearsDownActiveDaemon(t *testing.T) {
	fake := hostexectest.New("h1").
		On("systemctl is-active", hostexectest.Out("active\n")).
		On(runningLine, notRunning)
	c, _, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Stop(context.Background(), StopOptions{}))
	assert.Equal(t, 1, fake.Count("systemctl stop labctl.service"))
	assert.Equal(t, 1, fake.Count("systemctl disable labctl.service"))
}

func TestStopInDaemonLeavesUnitAlone(t *testing.T) {
	fake := hostexectest.New("h1").On(runningLine, notRunning)
	c, _, _ := newTestController(testHost(), fake)
	c.opts.InDaemon = true

	require.NoError(t, c.Stop(context.Background(), StopOptions{}))
	assert.Zero(t, fake.Count("systemctl"))
}

func TestDeadContainerEscalation(t *testing.T) {
	dead := hostexectest.Fail(126, "Error response from daemon: cannot exec a container that has stopped")

	fake := hostexectest.New("h1").
		On("id -u", hostexectest.Out("0\n")).
		On(runningLine, running, running, running, running, notRunning).
		On("docker exec labnode true", hostexectest.Out(""), hostexectest.Out(""), dead).
		On(pidLine, hostexectest.Out("4242\n")).
		On("ps -o ppid= -p 4242", hostexectest.Out(" 4000\n"))
	c, _, clock := newTestController(testHost(), fake)

	require.NoError(t, c.Stop(context.Background(), StopOptions{}))

	lines := fake.Lines()
	assert.Equal(t, 3, fake.Count("docker exec labnode true"))
	assert.Equal(t, 1, fake.Count("kill -9 4000"))
	assert.Greater(t, indexOf(lines, "kill -9", 1), indexOf(lines, "docker exec labnode true", 3))
	assert.Zero(t, fake.Count("docker container wait"))
	assert.Equal(t, 1, fake.Count("docker container rm"))

	killCall := fake.Calls()[indexOf(lines, "kill -9", 1)]
	assert.True(t, killCall.Opts.Elevate)
	assert.Len(t, clock.sleeps, 2)
}

func TestDetectorBudgetExhausted(t *testing.T) {
	fake := hostexectest.New("h1").
		On("id -u", hostexectest.Out("0\n")).
		On(runningLine, running).
		On(pidLine, hostexectest.Out("4242\n")).
		On("ps -o ppid=", hostexectest.Out("4000\n"))
	fake.OnRun(func(call hostexectest.Call) {
		if call.Line() == "kill -9 4000" {
			fake.On(runningLine, missing)
		}
	})

	c, _, clock := newTestController(testHost(), fake)
	c.opts.StopTimeout = 25 * time.Second
	c.opts.DeadCheckInterval = 10 * time.Second

	require.NoError(t, c.Stop(context.Background(), StopOptions{}))
	assert.Equal(t, 1, fake.Count("kill -9 4000"))
	assert.Equal(t, 4, fake.Count("docker exec labnode true"))
	assert.Len(t, clock.sleeps, 3)
}

func TestDetectorExitsCleanly(t *testing.T) {
	fake := hostexectest.New("h1").
		On("id -u", hostexectest.Out("0\n")).
		On(runningLine, running, running, notRunning)
	c, _, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Stop(context.Background(), StopOptions{}))
	assert.Zero(t, fake.Count("kill -9"))
	assert.Equal(t, 1, fake.Count("docker exec labnode true"))
}

func TestForceKillRefusesInit(t *testing.T) {
	fake := hostexectest.New("h1").
		On(pidLine, hostexectest.Out("4242\n")).
		On("ps -o ppid=", hostexectest.Out("1\n"))
	c, _, _ := newTestController(testHost(), fake)

	assert.Error(t, c.forceKill(context.Background()))
	assert.Zero(t, fake.Count("kill -9"))
}

func TestForceKillWaitTimesOut(t *testing.T) {
	fake := hostexectest.New("h1").
		On(runningLine, running).
		On(pidLine, hostexectest.Out("4242\n")).
		On("ps -o ppid=", hostexectest.Out("4000\n"))
	c, _, _ := newTestController(testHost(), fake)

	assert.Error(t, c.forceKill(context.Background()))
}

func TestLookupParentPIDLocal(t *testing.T) {
	fake := hostexectest.New("localhost")
	fake.Local = true
	c, _, _ := newTestController(testHost(), fake)

	ppid, err := c.lookupParentPID(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getppid(), ppid)
	assert.Empty(t, fake.Lines())
}

func TestUpdateUpToDate(t *testing.T) {
	fake := hostexectest.New("h1").
		On(runningLine, running).
		On(imageLine, hostexectest.Out("sha256:abc\n")).
		On("docker inspect sha256:abc", hostexectest.Out("gcr.io/acme/labnode@sha256:111\n")).
		On("docker inspect gcr.io/acme/labnode:v2", hostexectest.Out("gcr.io/acme/labnode@sha256:111\n"))
	c, _, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Update(context.Background(), UpdateOptions{}))

	assert.Equal(t, 1, fake.Count("docker pull gcr.io/acme/labnode:v2"))
	assert.Zero(t, fake.Count("docker image prune"))
	assert.Zero(t, fake.Count("docker kill"))
	assert.Zero(t, fake.Count("docker start"))
}

func TestUpdateNewImage(t *testing.T) {
	fake := hostexectest.New("h1").
		On(runningLine, running, running, notRunning).
		On(imageLine, hostexectest.Out("sha256:abc\n")).
		On("docker inspect sha256:abc", hostexectest.Out("gcr.io/acme/labnode@sha256:111\n")).
		On("docker inspect gcr.io/acme/labnode:v2", hostexectest.Out("gcr.io/acme/labnode@sha256:222\n"))
	c, prober, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Update(context.Background(), UpdateOptions{}))

	lines := fake.Lines()
	prune := indexOf(lines, "docker image prune -f --filter until=24h", 1)
	kill := indexOf(lines, "docker kill -s TERM", 1)
	start := indexOf(lines, "docker start labnode", 1)
	require.NotEqual(t, -1, prune)
	require.NotEqual(t, -1, kill)
	require.NotEqual(t, -1, start)
	assert.Less(t, prune, kill)
	assert.Less(t, kill, start)
	assert.Equal(t, 1, prober.calls)
}

func TestUpdateDigestFailureAborts(t *testing.T) {
	fake := hostexectest.New("h1").
		On(runningLine, running).
		On(imageLine, hostexectest.Out("sha256:abc\n")).
		On("docker inspect sha256:abc", hostexectest.Fail(1, "Cannot connect to the Docker daemon"))
	c, _, _ := newTestController(testHost(), fake)

	require.Error(t, c.Update(context.Background(), UpdateOptions{}))
	assert.Zero(t, fake.Count("docker kill"))
}

func TestUpdateForce(t *testing.T) {
	fake := hostexectest.New("h1").On(runningLine, running, notRunning)
	c, _, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Update(context.Background(), UpdateOptions{Force: true}))
	assert.Zero(t, fake.Count(imageLine))
	assert.Equal(t, 1, fake.Count("docker kill"))
	assert.Equal(t, 1, fake.Count("docker start"))
}

func TestUpdateNothingRunning(t *testing.T) {
	fake := hostexectest.New("h1").On(runningLine, missing)
	c, _, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Update(context.Background(), UpdateOptions{}))
	assert.Zero(t, fake.Count("docker kill"))
	assert.Equal(t, 1, fake.Count("docker create"))
}

func TestRestart(t *testing.T) {
	fake := hostexectest.New("h1").On(runningLine, running, notRunning)
	c, _, _ := newTestController(testHost(), fake)

	require.NoError(t, c.Restart(context.Background(), StopOptions{}))
	lines := fake.Lines()
	assert.Less(t, indexOf(lines, "docker kill", 1), indexOf(lines, "docker create", 1))
}

func TestStartBootstrapsDaemon(t *testing.T) {
	host := testHost()
	host.AutoUpdate = true

	fake := hostexectest.New("h1").On("systemctl is-active", hostexec.Result{ExitCode: 3, Stdout: "inactive\n"})
	c, _, _ := newTestController(host, fake)
	c.opts.Daemon.LocalBinaryPath = "/opt/labctl"
	c.opts.Daemon.LocalConfigPath = "lab.yaml"

	require.NoError(t, c.Start(context.Background()))

	copies := fake.Copies()
	require.Len(t, copies, 3)
	assert.Equal(t, hostexectest.Copy{LocalPath: "/opt/labctl", RemotePath: "/usr/local/bin/labctl", Elevate: true}, copies[0])
	assert.Equal(t, hostexectest.Copy{LocalPath: "lab.yaml", RemotePath: "/etc/labctl/lab.yaml", Elevate: true}, copies[1])
	assert.Equal(t, "/etc/systemd/system/labctl.service", copies[2].RemotePath)

	assert.Equal(t, []string{
		"systemctl is-active labctl.service",
		"systemctl daemon-reload",
		"systemctl enable labctl.service",
		"systemctl start labctl.service",
	}, fake.Lines())
}

func TestStartBootstrapsDaemonWithSettings(t *testing.T) {
	host := testHost()
	host.AutoUpdate = true

	fake := hostexectest.New("h1").On("systemctl is-active", hostexec.Result{ExitCode: 3, Stdout: "inactive\n"})
	c, _, _ := newTestController(host, fake)
	c.opts.Daemon.LocalBinaryPath = "/opt/labctl"
	c.opts.Daemon.LocalConfigPath = "lab.yaml"
	c.opts.Daemon.LocalSettingsPath = "/tmp/run/labctl.yaml"
	c.opts.Daemon.Args = []string{"--tag", "canary"}

	require.NoError(t, c.Start(context.Background()))

	copies := fake.Copies()
	require.Len(t, copies, 4)
	assert.Equal(t, "/tmp/run/labctl.yaml", copies[2].LocalPath)
	assert.Equal(t, "/etc/labctl/labctl.yaml", copies[2].RemotePath)
	assert.True(t, copies[2].Elevate)

	assert.Equal(t, "/etc/systemd/system/labctl.service", copies[3].RemotePath)
	assert.Contains(t, string(copies[3].Content),
		"ExecStart=/usr/local/bin/labctl daemon /etc/labctl/lab.yaml --host h1 --config /etc/labctl/labctl.yaml --tag canary\n")
}

func TestStartDaemonAlreadyActive(t *testing.T) {
	host := testHost()
	host.AutoUpdate = true

	fake := hostexectest.New("h1").On("systemctl is-active", hostexectest.Out("active\n"))
	c, _, _ := newTestController(host, fake)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{"systemctl is-active labctl.service"}, fake.Lines())
	assert.Empty(t, fake.Copies())
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	p := NewHTTPProber(time.Second)
	assert.NoError(t, p.Probe(context.Background(), srv.URL+"/"))

	srv.Close()
	assert.Error(t, p.Probe(context.Background(), srv.URL+"/"))
}

func TestReadinessURL(t *testing.T) {
	assert.Equal(t, "http://h1:8000/", readinessURL("h1", 8000))
	assert.Equal(t, "http://[::1]:8000/", readinessURL("::1", 8000))
}
