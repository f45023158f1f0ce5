package server

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
	"github.com/Is-a-space/discord-vps-creator/internal/runtime"
)

// sessionPattern matches the line the in-instance bootstrap prints once a
// session is connectable. Read-only sessions print the same shape with an
// "ro-" user and must not be handed out as the credential.
var sessionPattern = regexp.MustCompile(`ssh session: (ssh [^\r\n]+)`)

// awaitReadiness polls the instance's combined output until a connectable
// session line appears. Only output past fromOffset is considered: the log
// stream survives stop/start, so a session relaunch must not hand back the
// line printed by the previous session process. Total wall-clock time is
// bounded by timeout; each unsuccessful check idles for pollInterval before
// the next read.
func awaitReadiness(ctx context.Context, rt runtime.Runtime, name string, timeout, pollInterval time.Duration, fromOffset int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		logs, err := rt.Logs(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w after %s", models.ErrReadinessTimeout, timeout)
			}
			if errors.Is(err, models.ErrNotFound) {
				return "", err
			}
			return "", fmt.Errorf("reading instance output: %w", err)
		}
		if fromOffset < len(logs) {
			if cred, ok := findCredential(logs[fromOffset:]); ok {
				return cred, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w after %s", models.ErrReadinessTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// findCredential returns the most recent session line that is not a
// read-only variant.
func findCredential(logs []byte) (string, bool) {
	var cred string
	for _, m := range sessionPattern.FindAllSubmatch(logs, -1) {
		c := string(m[1])
		if strings.Contains(c, "ro-") {
			continue
		}
		cred = c
	}
	return cred, cred != ""
}
