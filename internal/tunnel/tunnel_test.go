package tunnel

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyson-dev/akon/internal/config"
	"github.com/kyson-dev/akon/internal/state"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line   string
		kind   lineKind
		device string
		addr   string
	}{
		{"Connected tun0 as 10.0.0.5, using SSL", lineReady, "tun0", "10.0.0.5"},
		{"Configured as 10.10.62.228, with SSL connected and DTLS disabled", lineReady, "tun", "10.10.62.228"},
		{"Connected tun1 as fd00::5", lineReady, "tun1", "fd00::5"},
		{"Configured as nonsense", lineOther, "", ""},
		{"Failed to authenticate", lineAuthFailed, "", ""},
		{"POST https://vpn.example.com/", lineOther, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got := parseLine(tt.line)
			assert.Equal(t, tt.kind, got.kind)
			assert.Equal(t, tt.device, got.device)
			assert.Equal(t, tt.addr, got.address)
		})
	}
}

func TestArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"--protocol=f5", "--user=alice", "--passwd-on-stdin", "--no-dtls", "vpn.example.com"},
		Args("f5", "alice", "vpn.example.com", []string{"--no-dtls"}, true))
	assert.Empty(t, Args("", "", "", nil, false))
}

// writeClient creates a fake VPN client script.
func writeClient(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakeclient")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0700))
	return path
}

func testEstablisher(command string) *CommandEstablisher {
	e := NewCommandEstablisher(config.TunnelConfig{Command: command, ReadyTimeoutSecs: 5})
	e.readyTimeout = 2 * time.Second
	return e
}

func processGone(pid int) bool {
	return exec.Command("kill", "-0", strconv.Itoa(pid)).Run() != nil
}

func TestEstablishAndTeardown(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	client := writeClient(t, `
echo "$@" > `+argsFile+`
read pw
[ "$pw" = "s3cret" ] || exit 9
echo "POST https://vpn.example.com/"
echo "Connected tun7 as 10.9.8.7"
while true; do sleep 0.1; done`)

	e := testEstablisher(client)
	e.cfg.User = "alice"
	e.cfg.Server = "vpn.example.com"
	e.cfg.PasswordCommand = "printf s3cret"

	md, err := e.Establish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tun7", md.Interface)
	assert.Equal(t, "10.9.8.7", md.Address)
	assert.Greater(t, md.PID, 0)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "--user=alice --passwd-on-stdin vpn.example.com", strings.TrimSpace(string(args)))
	assert.NotContains(t, string(args), "s3cret")

	require.NoError(t, e.Teardown(context.Background(), state.Metadata{}))
	assert.Eventually(t, func() bool { return processGone(md.PID) }, 2*time.Second, 20*time.Millisecond)
}

func TestEstablishAuthFailure(t *testing.T) {
	client := writeClient(t, `echo "Failed to authenticate"; sleep 30`)
	_, err := testEstablisher(client).Establish(context.Background())
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestEstablishClientExits(t *testing.T) {
	client := writeClient(t, `echo "cannot resolve vpn.example.com"; exit 1`)
	_, err := testEstablisher(client).Establish(context.Background())
	require.ErrorIs(t, err, ErrExited)
	assert.Contains(t, err.Error(), "cannot resolve")
}

func TestEstablishReadyTimeout(t *testing.T) {
	client := writeClient(t, `while true; do sleep 0.1; done`)
	e := testEstablisher(client)
	e.readyTimeout = 100 * time.Millisecond

	_, err := e.Establish(context.Background())
	assert.ErrorIs(t, err, ErrReadyTimeout)
}

func TestEstablishCancelled(t *testing.T) {
	client := writeClient(t, `while true; do sleep 0.1; done`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := testEstablisher(client).Establish(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPasswordCommandFailure(t *testing.T) {
	e := testEstablisher("/bin/true")
	e.cfg.PasswordCommand = "exit 3"
	_, err := e.Establish(context.Background())
	assert.ErrorIs(t, err, ErrPasswordCommand)
}

func TestTerminateForcesKill(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", `trap "" TERM; while true; do sleep 0.1; done`)
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() { cmd.Wait(); close(done) }()

	start := time.Now()
	require.NoError(t, Terminate(context.Background(), int32(cmd.Process.Pid), 600*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process survived")
	}
	assert.Less(t, time.Since(start), 3*time.Second, "bounded")
}

func TestTerminateMissingProcess(t *testing.T) {
	cmd := exec.Command("/bin/true")
	require.NoError(t, cmd.Run())
	assert.NoError(t, Terminate(context.Background(), int32(cmd.Process.Pid), time.Second))
}

func TestCleanupOrphans(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "akonorphantest")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nwhile true; do sleep 0.1; done\n"), 0700))

	cmd := exec.Command(script)
	require.NoError(t, cmd.Start())
	go cmd.Wait()

	assert.Eventually(t, func() bool {
		pids, err := FindProcesses(context.Background(), "akonorphantest")
		return err == nil && len(pids) == 1
	}, 2*time.Second, 20*time.Millisecond)

	pid := int32(cmd.Process.Pid)
	assert.True(t, Alive(context.Background(), pid))

	n, err := CleanupOrphans(context.Background(), "akonorphantest", pid)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "kept pid must survive")

	n, err = CleanupOrphans(context.Background(), "akonorphantest")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Eventually(t, func() bool { return !Alive(context.Background(), pid) }, 2*time.Second, 20*time.Millisecond)

	n, err = CleanupOrphans(context.Background(), "akonorphantest")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
