// Package server implements the provisioning lifecycle: create an instance,
// wait for its session to become connectable, and keep the ownership
// registry consistent across start/stop/remove transitions.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Is-a-space/discord-vps-creator/internal/catalog"
	"github.com/Is-a-space/discord-vps-creator/internal/events"
	"github.com/Is-a-space/discord-vps-creator/internal/models"
	"github.com/Is-a-space/discord-vps-creator/internal/quota"
	"github.com/Is-a-space/discord-vps-creator/internal/runtime"
	"github.com/Is-a-space/discord-vps-creator/internal/storage"
)

// sessionCommand relaunches the session-sharing tool inside an already
// bootstrapped instance.
var sessionCommand = []string{"sh", "-c", "tmate -F"}

// stopped reports whether the instance is not running and needs no stop
// call. An instance stuck in created never ran, so there is nothing to halt.
func stopped(st runtime.Status) bool {
	return st == runtime.StatusExited || st == runtime.StatusCreated
}

// Options carries the server's dependencies and tuning.
type Options struct {
	Logger  *zap.Logger
	Store   storage.Store
	Quota   *quota.Guard
	Catalog *catalog.Catalog
	Runtime runtime.Runtime
	Events  *events.Publisher // optional
	Limits  models.ResourceLimits

	ReadinessTimeout time.Duration
	PollInterval     time.Duration
	MaxConcurrent    int64
}

// Server orchestrates instance lifecycles. Per-instance operations are
// guarded by an op lock; provisioning runs under a bounded semaphore so slow
// creations never starve unrelated requests.
type Server struct {
	log     *zap.Logger
	store   storage.Store
	quota   *quota.Guard
	catalog *catalog.Catalog
	rt      runtime.Runtime
	events  *events.Publisher
	limits  models.ResourceLimits
	tracer  trace.Tracer

	readinessTimeout time.Duration
	pollInterval     time.Duration
	sem              *semaphore.Weighted

	// operations mutex per instance name
	opMu sync.Map
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	return &Server{
		log:              opts.Logger,
		store:            opts.Store,
		quota:            opts.Quota,
		catalog:          opts.Catalog,
		rt:               opts.Runtime,
		events:           opts.Events,
		limits:           opts.Limits,
		tracer:           otel.Tracer("vps/server"),
		readinessTimeout: opts.ReadinessTimeout,
		pollInterval:     opts.PollInterval,
		sem:              semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Provision creates an instance of the given variant for owner and returns
// its record once a session is connectable. All-or-nothing: any failure
// leaves the registry, the quota and the runtime as they were.
func (s *Server) Provision(ctx context.Context, owner, variantTag string) (models.InstanceRecord, error) {
	ctx, span := s.tracer.Start(ctx, "provision", trace.WithAttributes(
		attribute.String("variant", variantTag),
	))
	defer span.End()

	ticket, err := s.quota.Reserve(ctx, owner)
	if err != nil {
		provisionsTotal.WithLabelValues("quota_exceeded").Inc()
		return models.InstanceRecord{}, err
	}

	spec, err := s.catalog.Resolve(variantTag)
	if err != nil {
		s.quota.Release(ticket)
		provisionsTotal.WithLabelValues("bad_variant").Inc()
		return models.InstanceRecord{}, err
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.quota.Release(ticket)
		return models.InstanceRecord{}, err
	}
	defer s.sem.Release(1)
	provisionsInflight.Inc()
	defer provisionsInflight.Dec()

	name, err := s.rt.Create(ctx, runtime.CreateSpec{
		Image:   spec.Image,
		Command: []string{"sh", "-c", spec.Bootstrap},
		Limits:  s.limits,
	})
	if err != nil {
		if name != "" {
			err = s.rollback(ctx, name, ticket, err)
		} else {
			s.quota.Release(ticket)
		}
		provisionsTotal.WithLabelValues("runtime_error").Inc()
		return models.InstanceRecord{}, err
	}
	s.log.Info("instance created, waiting for session",
		zap.String("instance", name), zap.String("variant", variantTag))

	started := time.Now()
	cred, err := awaitReadiness(ctx, s.rt, name, s.readinessTimeout, s.pollInterval, 0)
	if err != nil {
		provisionsTotal.WithLabelValues("readiness_timeout").Inc()
		return models.InstanceRecord{}, s.rollback(ctx, name, ticket, err)
	}
	readinessWait.Observe(time.Since(started).Seconds())

	rec := models.InstanceRecord{
		Owner:      owner,
		Instance:   name,
		Credential: cred,
		Variant:    variantTag,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.quota.Commit(ctx, ticket, rec); err != nil {
		provisionsTotal.WithLabelValues("registry_error").Inc()
		if terr := s.teardown(ctx, name); terr != nil {
			return models.InstanceRecord{}, fmt.Errorf("%w: %v (after registry failure: %v)",
				models.ErrReconciliationRequired, terr, err)
		}
		return models.InstanceRecord{}, err
	}

	provisionsTotal.WithLabelValues("success").Inc()
	s.publish(ctx, events.SubjectProvisioned, rec)
	s.log.Info("instance provisioned",
		zap.String("instance", name), zap.Duration("readiness_wait", time.Since(started)))
	return rec, nil
}

// List returns the owner's records in insertion order.
func (s *Server) List(ctx context.Context, owner string) ([]models.InstanceRecord, error) {
	return s.store.List(ctx, owner)
}

// Start brings a stopped instance back up, relaunches its session process
// and refreshes the stored credential. Starting a running instance is a
// no-op success.
func (s *Server) Start(ctx context.Context, owner, selector string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "start")
	defer span.End()

	rec, err := s.resolve(ctx, owner, selector)
	if err != nil {
		return "", err
	}
	unlock := s.lockInstance(rec.Instance)
	defer unlock()

	st, err := s.rt.Status(ctx, rec.Instance)
	if err != nil {
		return "", s.reconcileMissing(ctx, rec, err)
	}
	if st == runtime.StatusRunning {
		return rec.Credential, nil
	}

	if err := s.rt.Start(ctx, rec.Instance); err != nil {
		return "", fmt.Errorf("%w: start %s: %v", models.ErrRuntimeOperationFailed, rec.Instance, err)
	}
	if st, err := s.rt.Status(ctx, rec.Instance); err != nil || st != runtime.StatusRunning {
		return "", fmt.Errorf("%w: %s did not reach running (state %s)", models.ErrRuntimeOperationFailed, rec.Instance, st)
	}
	cred, err := s.refreshSession(ctx, rec.Instance)
	if err != nil {
		return "", err
	}
	s.publish(ctx, events.SubjectStarted, rec)
	return cred, nil
}

// Stop halts a running instance. Stopping a stopped instance is a no-op
// success.
func (s *Server) Stop(ctx context.Context, owner, selector string) error {
	ctx, span := s.tracer.Start(ctx, "stop")
	defer span.End()

	rec, err := s.resolve(ctx, owner, selector)
	if err != nil {
		return err
	}
	unlock := s.lockInstance(rec.Instance)
	defer unlock()

	st, err := s.rt.Status(ctx, rec.Instance)
	if err != nil {
		return s.reconcileMissing(ctx, rec, err)
	}
	if stopped(st) {
		return nil
	}
	if err := s.rt.Stop(ctx, rec.Instance); err != nil {
		return fmt.Errorf("%w: stop %s: %v", models.ErrRuntimeOperationFailed, rec.Instance, err)
	}
	if st, err := s.rt.Status(ctx, rec.Instance); err != nil || !stopped(st) {
		return fmt.Errorf("%w: %s did not reach stopped (state %s)", models.ErrRuntimeOperationFailed, rec.Instance, st)
	}
	s.publish(ctx, events.SubjectStopped, rec)
	return nil
}

// Restart carries the explicit stop-then-start semantics: the instance is
// stopped, started, its session process relaunched and the credential
// refreshed. Any step failing reports the state the instance was left in.
func (s *Server) Restart(ctx context.Context, owner, selector string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "restart")
	defer span.End()

	rec, err := s.resolve(ctx, owner, selector)
	if err != nil {
		return "", err
	}
	unlock := s.lockInstance(rec.Instance)
	defer unlock()

	st, err := s.rt.Status(ctx, rec.Instance)
	if err != nil {
		return "", s.reconcileMissing(ctx, rec, err)
	}
	if st == runtime.StatusRunning {
		if err := s.rt.Stop(ctx, rec.Instance); err != nil {
			return "", fmt.Errorf("%w: stop %s: %v", models.ErrRuntimeOperationFailed, rec.Instance, err)
		}
		if st, err := s.rt.Status(ctx, rec.Instance); err != nil || st != runtime.StatusExited {
			return "", fmt.Errorf("%w: %s left in state %s after stop", models.ErrRuntimeOperationFailed, rec.Instance, st)
		}
	}
	if err := s.rt.Start(ctx, rec.Instance); err != nil {
		return "", fmt.Errorf("%w: %s left stopped: %v", models.ErrRuntimeOperationFailed, rec.Instance, err)
	}
	if st, err := s.rt.Status(ctx, rec.Instance); err != nil || st != runtime.StatusRunning {
		return "", fmt.Errorf("%w: %s did not reach running (state %s)", models.ErrRuntimeOperationFailed, rec.Instance, st)
	}
	cred, err := s.refreshSession(ctx, rec.Instance)
	if err != nil {
		return "", err
	}
	s.publish(ctx, events.SubjectStarted, rec)
	return cred, nil
}

// Remove deletes the instance and its record as one logical operation,
// reconciling drift in either direction: a record whose instance was deleted
// externally is still reclaimed, and an orphaned instance with no record is
// torn down.
func (s *Server) Remove(ctx context.Context, owner, selector string) error {
	ctx, span := s.tracer.Start(ctx, "remove")
	defer span.End()

	rec, err := s.resolve(ctx, owner, selector)
	if errors.Is(err, models.ErrNotFound) {
		return s.removeOrphan(ctx, selector)
	}
	if err != nil {
		return err
	}
	unlock := s.lockInstance(rec.Instance)
	defer unlock()

	if err := s.teardown(ctx, rec.Instance); err != nil {
		// registry untouched, the caller can retry
		return fmt.Errorf("%w: %v", models.ErrRuntimeOperationFailed, err)
	}
	if _, err := s.store.Remove(ctx, owner, selector); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: instance %s deleted but record remains: %v",
			models.ErrReconciliationRequired, rec.Instance, err)
	}
	s.publish(ctx, events.SubjectRemoved, rec)
	return nil
}

// Reconcile drops the owner's records whose backing instances no longer
// exist. Returns how many were reclaimed.
func (s *Server) Reconcile(ctx context.Context, owner string) (int, error) {
	recs, err := s.store.List(ctx, owner)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, rec := range recs {
		_, err := s.rt.Status(ctx, rec.Instance)
		if err == nil || !errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err := s.store.RemoveInstance(ctx, rec.Instance); err != nil && !errors.Is(err, models.ErrNotFound) {
			return reclaimed, err
		}
		s.log.Info("reclaimed record for externally deleted instance",
			zap.String("instance", rec.Instance))
		reclaimed++
	}
	return reclaimed, nil
}

// Healthy reports whether the runtime control interface is reachable.
func (s *Server) Healthy(ctx context.Context) error {
	return s.rt.Ping(ctx)
}

// resolve scans the owner's records for a matching instance name or
// credential; first match wins.
func (s *Server) resolve(ctx context.Context, owner, selector string) (models.InstanceRecord, error) {
	recs, err := s.store.List(ctx, owner)
	if err != nil {
		return models.InstanceRecord{}, err
	}
	for _, rec := range recs {
		if rec.Instance == selector || rec.Credential == selector {
			return rec, nil
		}
	}
	return models.InstanceRecord{}, fmt.Errorf("%w: %q", models.ErrNotFound, selector)
}

// refreshSession relaunches the session process and waits for the fresh
// credential, storing it on the record. The log length is snapshotted before
// the relaunch so the previous session's line, which is still in the stream,
// is never accepted as the new credential.
func (s *Server) refreshSession(ctx context.Context, name string) (string, error) {
	logs, err := s.rt.Logs(ctx, name)
	if err != nil {
		return "", fmt.Errorf("%w: reading output of %s: %v", models.ErrRuntimeOperationFailed, name, err)
	}
	if err := s.rt.Exec(ctx, name, sessionCommand); err != nil {
		return "", fmt.Errorf("%w: exec session process in %s: %v", models.ErrRuntimeOperationFailed, name, err)
	}
	cred, err := awaitReadiness(ctx, s.rt, name, s.readinessTimeout, s.pollInterval, len(logs))
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateCredential(ctx, name, cred); err != nil {
		return "", err
	}
	return cred, nil
}

// rollback tears the partial instance down and releases the reservation,
// preserving cause as the reported error. A failed teardown escalates to
// ReconciliationRequired.
func (s *Server) rollback(ctx context.Context, name string, t quota.Ticket, cause error) error {
	s.quota.Release(t)
	if err := s.teardown(ctx, name); err != nil {
		s.log.Error("rollback failed", zap.String("instance", name), zap.Error(err))
		return fmt.Errorf("%w: %v (while rolling back: %v)", models.ErrReconciliationRequired, err, cause)
	}
	s.log.Warn("provisioning rolled back", zap.String("instance", name), zap.Error(cause))
	return cause
}

// teardown stops and deletes an instance, tolerating one that is already
// gone. Cleanup must complete even when the caller has disconnected, so the
// runtime calls are detached from the caller's cancellation.
func (s *Server) teardown(ctx context.Context, name string) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.rt.Stop(ctx, name); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if err := s.rt.Remove(ctx, name); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return nil
}

// reconcileMissing reclaims the record when the backing instance is gone,
// otherwise passes the status error through.
func (s *Server) reconcileMissing(ctx context.Context, rec models.InstanceRecord, cause error) error {
	if !errors.Is(cause, models.ErrNotFound) {
		return fmt.Errorf("%w: inspect %s: %v", models.ErrRuntimeOperationFailed, rec.Instance, cause)
	}
	if err := s.store.RemoveInstance(ctx, rec.Instance); err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: %v", models.ErrReconciliationRequired, err)
	}
	return fmt.Errorf("%w: instance %s no longer exists, record reclaimed", models.ErrNotFound, rec.Instance)
}

// removeOrphan handles remove when no record matched: an instance the
// registry does not know about (in any owner's set) is torn down.
func (s *Server) removeOrphan(ctx context.Context, selector string) error {
	if _, err := s.store.Get(ctx, selector); err == nil {
		// another owner's instance, not removable through this owner
		return fmt.Errorf("%w: %q", models.ErrNotFound, selector)
	}
	if _, err := s.rt.Status(ctx, selector); err != nil {
		return fmt.Errorf("%w: %q", models.ErrNotFound, selector)
	}
	unlock := s.lockInstance(selector)
	defer unlock()
	if err := s.teardown(ctx, selector); err != nil {
		return fmt.Errorf("%w: %v", models.ErrRuntimeOperationFailed, err)
	}
	s.log.Info("removed orphaned instance", zap.String("instance", selector))
	return nil
}

func (s *Server) publish(ctx context.Context, subject string, rec models.InstanceRecord) {
	s.events.Publish(ctx, subject, events.Event{
		Event:    subject,
		Owner:    rec.Owner,
		Instance: rec.Instance,
		Variant:  rec.Variant,
	})
}

// lockInstance ensures only one operation per instance at a time.
func (s *Server) lockInstance(name string) func() {
	v, _ := s.opMu.LoadOrStore(name, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
