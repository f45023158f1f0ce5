package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
	"github.com/Is-a-space/discord-vps-creator/internal/runtime"
)

func TestAwaitReadinessFindsCredential(t *testing.T) {
	fake := runtime.NewFake()
	name, err := fake.Create(context.Background(), runtime.CreateSpec{Image: "ubuntu:22.04"})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		fake.AppendLog(name, "ssh session read only: ssh ro-abc@nyc1.tmate.io\n")
		time.Sleep(30 * time.Millisecond)
		fake.AppendLog(name, "ssh session: ssh abc@nyc1.tmate.io\n")
	}()

	cred, err := awaitReadiness(context.Background(), fake, name, 2*time.Second, 5*time.Millisecond, 0)
	require.NoError(t, err)
	require.Equal(t, "ssh abc@nyc1.tmate.io", cred)
}

func TestAwaitReadinessIgnoresReadOnlySessions(t *testing.T) {
	fake := runtime.NewFake()
	name, err := fake.Create(context.Background(), runtime.CreateSpec{Image: "ubuntu:22.04"})
	require.NoError(t, err)
	fake.AppendLog(name, "ssh session read only: ssh ro-abc@nyc1.tmate.io\n")

	_, err = awaitReadiness(context.Background(), fake, name, 60*time.Millisecond, 5*time.Millisecond, 0)
	require.ErrorIs(t, err, models.ErrReadinessTimeout)
}

func TestAwaitReadinessTimeoutIsBounded(t *testing.T) {
	fake := runtime.NewFake()
	name, err := fake.Create(context.Background(), runtime.CreateSpec{Image: "ubuntu:22.04"})
	require.NoError(t, err)

	start := time.Now()
	_, err = awaitReadiness(context.Background(), fake, name, 80*time.Millisecond, 5*time.Millisecond, 0)
	require.ErrorIs(t, err, models.ErrReadinessTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestAwaitReadinessSkipsEarlierOutput(t *testing.T) {
	fake := runtime.NewFake()
	name, err := fake.Create(context.Background(), runtime.CreateSpec{Image: "ubuntu:22.04"})
	require.NoError(t, err)
	fake.AppendLog(name, "ssh session: ssh old@nyc1.tmate.io\n")

	logs, err := fake.Logs(context.Background(), name)
	require.NoError(t, err)
	offset := len(logs)

	_, err = awaitReadiness(context.Background(), fake, name, 60*time.Millisecond, 5*time.Millisecond, offset)
	require.ErrorIs(t, err, models.ErrReadinessTimeout)

	fake.AppendLog(name, "ssh session: ssh fresh@nyc1.tmate.io\n")
	cred, err := awaitReadiness(context.Background(), fake, name, 2*time.Second, 5*time.Millisecond, offset)
	require.NoError(t, err)
	require.Equal(t, "ssh fresh@nyc1.tmate.io", cred)
}

func TestFindCredentialPrefersLatest(t *testing.T) {
	logs := []byte("ssh session: ssh old@x\nssh session read only: ssh ro-y@x\nssh session: ssh new@x\n")
	cred, ok := findCredential(logs)
	require.True(t, ok)
	require.Equal(t, "ssh new@x", cred)

	_, ok = findCredential([]byte("booting...\n"))
	require.False(t, ok)
}
