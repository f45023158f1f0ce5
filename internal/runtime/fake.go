package runtime

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
)

// Fake is an in-memory Runtime for tests. Zero value is not usable; call
// NewFake.
type Fake struct {
	// error injection, checked before the corresponding operation
	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error
	ExecErr   error

	// when true, Create and Exec append a session line to the instance log,
	// preceded by a read-only decoy
	AutoCredential bool

	mu        sync.Mutex
	seq       int
	execSeq   int
	instances map[string]*fakeInstance
}

type fakeInstance struct {
	status Status
	logs   bytes.Buffer
}

func NewFake() *Fake {
	return &Fake{instances: make(map[string]*fakeInstance)}
}

func (f *Fake) Ping(ctx context.Context) error { return nil }

func (f *Fake) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.seq++
	name := fmt.Sprintf("vps-%d", f.seq)
	inst := &fakeInstance{status: StatusRunning}
	f.instances[name] = inst
	if f.AutoCredential {
		fmt.Fprintf(&inst.logs, "ssh session read only: ssh ro-%s@nyc1.tmate.io\n", name)
		fmt.Fprintf(&inst.logs, "ssh session: ssh %s@nyc1.tmate.io\n", name)
	}
	return name, nil
}

func (f *Fake) Start(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	inst, err := f.get(name)
	if err != nil {
		return err
	}
	inst.status = StatusRunning
	return nil
}

func (f *Fake) Stop(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopErr != nil {
		return f.StopErr
	}
	inst, err := f.get(name)
	if err != nil {
		return err
	}
	inst.status = StatusExited
	return nil
}

func (f *Fake) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if _, err := f.get(name); err != nil {
		return err
	}
	delete(f.instances, name)
	return nil
}

func (f *Fake) Status(ctx context.Context, name string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return StatusUnknown, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, err := f.get(name)
	if err != nil {
		return StatusUnknown, err
	}
	return inst.status, nil
}

func (f *Fake) Logs(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, err := f.get(name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), inst.logs.Bytes()...), nil
}

func (f *Fake) Exec(ctx context.Context, name string, cmd []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExecErr != nil {
		return f.ExecErr
	}
	inst, err := f.get(name)
	if err != nil {
		return err
	}
	if f.AutoCredential {
		f.execSeq++
		fmt.Fprintf(&inst.logs, "ssh session: ssh %s-x%d@nyc1.tmate.io\n", name, f.execSeq)
	}
	return nil
}

// AppendLog adds raw output to an instance's log stream.
func (f *Fake) AppendLog(name, s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[name]; ok {
		inst.logs.WriteString(s)
	}
}

// Exists reports whether the instance is still known to the runtime.
// SetStatus forces an instance into a status, bypassing the usual
// transitions.
func (f *Fake) SetStatus(name string, st Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[name]; ok {
		inst.status = st
	}
}

func (f *Fake) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.instances[name]
	return ok
}

// Drop removes an instance behind the registry's back, simulating external
// deletion.
func (f *Fake) Drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, name)
}

func (f *Fake) get(name string) (*fakeInstance, error) {
	inst, ok := f.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, name)
	}
	return inst, nil
}
