package systemd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/labctl/internal/hostexec"
	"evalgo.org/labctl/internal/hostexec/hostexectest"
)

func TestRender(t *testing.T) {
	content, err := DaemonUnit("/usr/local/bin/labctl", "/etc/labctl/lab.yaml", "h1").Render()
	require.NoError(t, err)

	text := string(content)
	assert.Contains(t, text, "ExecStart=/usr/local/bin/labctl daemon /etc/labctl/lab.yaml --host h1\n")
	assert.Contains(t, text, "Description=labctl lab node daemon for h1")
	assert.Contains(t, text, "[Service]\nType=simple\n")
	assert.Contains(t, text, "\n[Install]\nWantedBy=multi-user.target\n")

	_, err = UnitFile{}.Render()
	assert.Error(t, err)
}

func TestDaemonUnitForwardsFlags(t *testing.T) {
	u := DaemonUnit("/usr/local/bin/labctl", "/etc/labctl/lab.yaml", "h1",
		"--config", "/etc/labctl/labctl.yaml", "--tag", "v2", "--name", "lab node")

	assert.Equal(t, "/usr/local/bin/labctl daemon /etc/labctl/lab.yaml --host h1 "+
		"--config /etc/labctl/labctl.yaml --tag v2 --name 'lab node'", u.ExecStart())

	content, err := u.Render()
	require.NoError(t, err)
	assert.Contains(t, string(content), "ExecStart="+u.ExecStart()+"\n")
}

func TestExecStartQuotes(t *testing.T) {
	u := UnitFile{Command: []string{"/opt/lab ctl/labctl", "daemon", "/etc/lab.yaml"}}
	assert.Equal(t, "'/opt/lab ctl/labctl' daemon /etc/lab.yaml", u.ExecStart())
}

func TestIsActive(t *testing.T) {
	ctx := context.Background()

	fake := hostexectest.New("h1").On("systemctl is-active", hostexectest.Out("active\n"))
	active, err := New("labctl.service", fake).IsActive(ctx)
	require.NoError(t, err)
	assert.True(t, active)
	assert.True(t, fake.Calls()[0].Opts.Elevate)

	fake = hostexectest.New("h1").On("systemctl is-active", hostexec.Result{ExitCode: 3, Stdout: "inactive\n"})
	active, err = New("labctl.service", fake).IsActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestInstallEnableStart(t *testing.T) {
	ctx := context.Background()
	fake := hostexectest.New("h1")
	unit := New("labctl.service", fake)

	require.NoError(t, unit.Install(ctx, DaemonUnit("/usr/local/bin/labctl", "/etc/labctl/lab.yaml", "h1")))
	require.NoError(t, unit.Enable(ctx))
	require.NoError(t, unit.Start(ctx))
	require.NoError(t, unit.Stop(ctx))
	require.NoError(t, unit.Disable(ctx))

	copies := fake.Copies()
	require.Len(t, copies, 1)
	assert.Equal(t, "/etc/systemd/system/labctl.service", copies[0].RemotePath)
	assert.True(t, copies[0].Elevate)

	assert.Equal(t, []string{
		"systemctl daemon-reload",
		"systemctl enable labctl.service",
		"systemctl start labctl.service",
		"systemctl stop labctl.service",
		"systemctl disable labctl.service",
	}, fake.Lines())
}

func TestInstallDaemonReloadFails(t *testing.T) {
	fake := hostexectest.New("h1").On("systemctl daemon-reload", hostexectest.Fail(1, "access denied"))
	err := New("labctl.service", fake).Install(context.Background(), DaemonUnit("/bin/labctl", "/etc/lab.yaml", "h1"))

	var cmdErr *hostexec.CommandError
	assert.ErrorAs(t, err, &cmdErr)
}
