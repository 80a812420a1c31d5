// Package fleet manages the pool of workstations: provisioned execution
// environments bound to capability classes. The container runtime sits behind
// the Executor interface so the pool logic is testable without docker.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsadehaan/cloud-code/internal/config"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

// ErrPoolExhausted is returned by Acquire when no station is idle and the
// pool ceiling forbids provisioning another.
var ErrPoolExhausted = errors.New("workstation pool exhausted")

// ErrUnknownClass is returned when a capability class is not declared in config.
var ErrUnknownClass = errors.New("unknown capability class")

// healthStrikes is how many consecutive health-check failures mark a station
// unhealthy and trigger recreation.
const healthStrikes = 3

// StationSpec is everything the executor needs to create a workstation.
type StationSpec struct {
	Name        string
	Class       string
	Image       string
	CacheVolume string
	MemoryLimit string
	CPULimit    float64
	Env         map[string]string
}

// AdoptedStation describes a managed workstation found already running,
// as reported by Executor.List.
type AdoptedStation struct {
	RuntimeID string
	Class     string
}

// Executor abstracts the container runtime behind the fleet.
type Executor interface {
	// Create starts a workstation and returns its runtime id.
	Create(ctx context.Context, spec StationSpec) (string, error)
	// Remove stops and deletes a workstation. Removing an unknown id is a no-op.
	Remove(ctx context.Context, runtimeID string) error
	// Healthy returns nil when the workstation is running and responsive.
	Healthy(ctx context.Context, runtimeID string) error
	// List returns the managed workstations already running, keyed by station
	// name. Used to reconcile after a daemon restart.
	List(ctx context.Context) (map[string]AdoptedStation, error)
}

// Station is one pool entry.
type Station struct {
	models.Workstation
	RuntimeID string
	Spec      StationSpec
	failures  int
}

// Manager owns the workstation pool.
type Manager struct {
	exec    Executor
	classes map[string]config.CapabilityClass
	ceiling int

	mu       sync.Mutex
	stations map[string]*Station // by station id
}

// NewManager returns a fleet manager over exec with the declared classes.
func NewManager(exec Executor, classes []config.CapabilityClass, ceiling int) *Manager {
	byName := make(map[string]config.CapabilityClass, len(classes))
	for _, c := range classes {
		byName[c.Name] = c
	}
	if ceiling <= 0 {
		ceiling = models.DefaultPoolCeiling
	}
	return &Manager{
		exec:     exec,
		classes:  byName,
		ceiling:  ceiling,
		stations: map[string]*Station{},
	}
}

// CacheVolumeName returns the shared tool-cache volume for a capability class.
// The volume outlives any individual workstation so downloaded toolchains and
// model caches survive recreation.
func CacheVolumeName(class string) string {
	return "cloudcode-cache-" + class
}

func (m *Manager) specFor(class string, name string) (StationSpec, error) {
	cl, ok := m.classes[class]
	if !ok {
		return StationSpec{}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	return StationSpec{
		Name:        name,
		Class:       class,
		Image:       cl.Image,
		CacheVolume: CacheVolumeName(class),
		MemoryLimit: cl.MemoryLimit,
		CPULimit:    cl.CPULimit,
	}, nil
}

// Provision creates a new idle workstation for class, subject to the pool ceiling.
func (m *Manager) Provision(ctx context.Context, class string) (*Station, error) {
	m.mu.Lock()
	if len(m.stations) >= m.ceiling {
		m.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	m.mu.Unlock()

	id := "ws-" + uuid.NewString()[:8]
	spec, err := m.specFor(class, id)
	if err != nil {
		return nil, err
	}
	runtimeID, err := m.exec.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", class, err)
	}
	st := &Station{
		Workstation: models.Workstation{
			ID:              id,
			CapabilityClass: class,
			Status:          models.StationIdle,
			CacheVolume:     spec.CacheVolume,
			CreatedAt:       time.Now().UTC(),
		},
		RuntimeID: runtimeID,
		Spec:      spec,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stations) >= m.ceiling {
		// Lost the race; roll back the container.
		go func() { _ = m.exec.Remove(context.Background(), runtimeID) }()
		return nil, ErrPoolExhausted
	}
	m.stations[id] = st
	slog.Info("workstation provisioned", "station", id, "class", class)
	return st, nil
}

// Acquire returns an idle workstation of class and marks it busy on itemID,
// provisioning a new one when none is idle and the ceiling allows.
func (m *Manager) Acquire(ctx context.Context, class, itemID string) (*Station, error) {
	m.mu.Lock()
	for _, st := range m.stations {
		if st.CapabilityClass == class && st.Status == models.StationIdle {
			st.Status = models.StationBusy
			st.CurrentItem = itemID
			m.mu.Unlock()
			return st, nil
		}
	}
	m.mu.Unlock()

	st, err := m.Provision(ctx, class)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	st.Status = models.StationBusy
	st.CurrentItem = itemID
	m.mu.Unlock()
	return st, nil
}

// Release marks a workstation idle again. Unknown stations are a no-op.
func (m *Manager) Release(stationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stations[stationID]
	if !ok {
		return
	}
	if st.Status == models.StationBusy {
		st.ItemsServed++
	}
	st.Status = models.StationIdle
	st.CurrentItem = ""
}

// HealthCheckAll probes every station once. A station failing healthStrikes
// consecutive checks is marked errored and recreated with the same tool-cache
// volume; its in-flight item, if any, is returned so dispatch can reassign.
func (m *Manager) HealthCheckAll(ctx context.Context) (orphaned []string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.stations))
	for id := range m.stations {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		m.mu.Lock()
		st, ok := m.stations[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := m.exec.Healthy(ctx, st.RuntimeID); err != nil {
			m.mu.Lock()
			st.failures++
			strikes := st.failures
			m.mu.Unlock()
			slog.Warn("workstation health check failed", "station", id, "strikes", strikes, "error", err)
			if strikes >= healthStrikes {
				if item := m.recreate(ctx, st); item != "" {
					orphaned = append(orphaned, item)
				}
			}
			continue
		}
		m.mu.Lock()
		st.failures = 0
		m.mu.Unlock()
	}
	return orphaned
}

// recreate replaces an unhealthy station's runtime, preserving its identity
// and cache volume. Returns the item that was in flight, if any.
func (m *Manager) recreate(ctx context.Context, st *Station) (orphanedItem string) {
	m.mu.Lock()
	st.Status = models.StationError
	orphanedItem = st.CurrentItem
	st.CurrentItem = ""
	runtimeID := st.RuntimeID
	spec := st.Spec
	m.mu.Unlock()

	_ = m.exec.Remove(ctx, runtimeID)
	newID, err := m.exec.Create(ctx, spec)
	if err != nil {
		slog.Error("workstation recreate failed", "station", st.ID, "error", err)
		m.mu.Lock()
		delete(m.stations, st.ID)
		m.mu.Unlock()
		return orphanedItem
	}
	m.mu.Lock()
	st.RuntimeID = newID
	st.Status = models.StationIdle
	st.failures = 0
	st.Recreations++
	m.mu.Unlock()
	slog.Info("workstation recreated", "station", st.ID, "cache_volume", spec.CacheVolume)
	return orphanedItem
}

// Init reconciles the pool with workstations already running in the executor,
// adopting them as idle stations instead of provisioning duplicates. The
// station spec is rebuilt from the class config so an adopted station can be
// acquired and recreated like any provisioned one; a station whose class is
// no longer configured is unusable and gets removed.
func (m *Manager) Init(ctx context.Context) error {
	running, err := m.exec.List(ctx)
	if err != nil {
		return fmt.Errorf("fleet init: %w", err)
	}
	var stale []string
	m.mu.Lock()
	for name, ad := range running {
		if _, ok := m.stations[name]; ok {
			continue
		}
		spec, err := m.specFor(ad.Class, name)
		if err != nil {
			slog.Warn("dropping workstation with unconfigured class", "station", name, "class", ad.Class)
			stale = append(stale, ad.RuntimeID)
			continue
		}
		m.stations[name] = &Station{
			Workstation: models.Workstation{
				ID:              name,
				CapabilityClass: ad.Class,
				Status:          models.StationIdle,
				CacheVolume:     spec.CacheVolume,
				CreatedAt:       time.Now().UTC(),
			},
			RuntimeID: ad.RuntimeID,
			Spec:      spec,
		}
		slog.Info("workstation adopted", "station", name, "class", ad.Class)
	}
	m.mu.Unlock()
	for _, id := range stale {
		if err := m.exec.Remove(ctx, id); err != nil {
			slog.Warn("stale workstation removal failed", "runtime_id", id, "error", err)
		}
	}
	return nil
}

// Teardown drains the pool, removing every workstation. Cache volumes are
// left in place for the next run.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	stations := make([]*Station, 0, len(m.stations))
	for _, st := range m.stations {
		stations = append(stations, st)
	}
	m.stations = map[string]*Station{}
	m.mu.Unlock()

	var firstErr error
	for _, st := range stations {
		if err := m.exec.Remove(ctx, st.RuntimeID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// List returns a snapshot of the pool sorted by station id.
func (m *Manager) List() []models.Workstation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Workstation, 0, len(m.stations))
	for _, st := range m.stations {
		out = append(out, st.Workstation)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Station returns the pool entry by id.
func (m *Manager) Station(id string) (*Station, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stations[id]
	return st, ok
}
