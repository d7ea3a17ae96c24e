package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/observability"
)

var (
	ErrDuplicateResource = errors.New("resource already registered")
	ErrUnknownResource   = errors.New("resource not registered")
	ErrResourceBusy      = errors.New("resource has jobs in flight")
	ErrCapacityExceeded  = errors.New("resource capacity exceeded")
)

const (
	HealthOnline      = "online"
	HealthOffline     = "offline"
	HealthMaintenance = "maintenance"
)

const (
	KindBuildServer   = "build-server"
	KindVirtualEnv    = "virtual-environment"
	KindPhysicalBoard = "physical-board"
)

const DefaultUtilizationThreshold = 85.0

type Utilization struct {
	CPU     float64
	Memory  float64
	Storage float64
}

type Resource struct {
	ID            string
	Kind          string
	Architectures []string
	Toolchains    []string
	Slots         int
	Address       string
	Health        string
	Util          Utilization
	LastHeartbeat time.Time
}

// View is a read-only copy of a resource plus its live slot occupancy.
type View struct {
	Resource
	Occupied int
}

func (v View) Free() int {
	return v.Slots - v.Occupied
}

func (v View) Supports(arch, toolchain string) bool {
	if arch != "" && !containsFold(v.Architectures, arch) {
		return false
	}
	if toolchain != "" && !containsFold(v.Toolchains, toolchain) {
		return false
	}
	return true
}

type entry struct {
	res      Resource
	occupied atomic.Int32
}

type Registry struct {
	mu        sync.RWMutex
	resources map[string]*entry
	threshold float64
}

func New(threshold float64) *Registry {
	if threshold <= 0 {
		threshold = DefaultUtilizationThreshold
	}
	return &Registry{
		resources: make(map[string]*entry),
		threshold: threshold,
	}
}

func (r *Registry) Register(res Resource) error {
	if strings.TrimSpace(res.ID) == "" {
		return errors.New("resource id is required")
	}
	if res.Slots < 1 {
		return fmt.Errorf("resource %s: slots must be >= 1", res.ID)
	}
	if res.Health == "" {
		res.Health = HealthOnline
	}
	if res.LastHeartbeat.IsZero() {
		res.LastHeartbeat = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[res.ID]; ok {
		return ErrDuplicateResource
	}
	r.resources[res.ID] = &entry{res: res}
	observability.Default.SetGauge("registry_resources", nil, float64(len(r.resources)))
	return nil
}

// Deregister removes a resource. Without force it refuses while slots are
// occupied; callers that pass force are responsible for failing the jobs
// still assigned to the resource before or after removal.
func (r *Registry) Deregister(id string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.resources[id]
	if !ok {
		return ErrUnknownResource
	}
	if !force && e.occupied.Load() > 0 {
		return ErrResourceBusy
	}
	delete(r.resources, id)
	observability.Default.SetGauge("registry_resources", nil, float64(len(r.resources)))
	return nil
}

func (r *Registry) SetMaintenance(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.resources[id]
	if !ok {
		return ErrUnknownResource
	}
	if enabled {
		e.res.Health = HealthMaintenance
	} else {
		e.res.Health = HealthOnline
	}
	return nil
}

func (r *Registry) UpdateUtilization(id string, u Utilization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.resources[id]
	if !ok {
		return ErrUnknownResource
	}
	e.res.Util = u
	e.res.LastHeartbeat = time.Now().UTC()
	if e.res.Health == HealthOffline {
		e.res.Health = HealthOnline
	}
	return nil
}

// MarkStale flips resources whose last heartbeat is older than the cutoff to
// offline and returns their IDs. Maintenance resources are left alone.
func (r *Registry) MarkStale(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0)
	for id, e := range r.resources {
		if e.res.Health != HealthOnline {
			continue
		}
		if e.res.LastHeartbeat.Before(cutoff) {
			e.res.Health = HealthOffline
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) Get(id string) (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.resources[id]
	if !ok {
		return View{}, false
	}
	return r.viewLocked(e), true
}

func (r *Registry) List() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]View, 0, len(r.resources))
	for _, e := range r.resources {
		out = append(out, r.viewLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindCandidates returns online resources with free capacity that support the
// requested architecture and toolchain and sit below the utilization admission
// threshold on every tracked dimension. Results are ordered most-free-first to
// spread load; ties break on the lower peak utilization, then on ID.
func (r *Registry) FindCandidates(arch, toolchain string) []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]View, 0, len(r.resources))
	for _, e := range r.resources {
		v := r.viewLocked(e)
		if v.Health != HealthOnline {
			continue
		}
		if v.Occupied >= v.Slots {
			continue
		}
		if v.Util.CPU >= r.threshold || v.Util.Memory >= r.threshold || v.Util.Storage >= r.threshold {
			continue
		}
		if !v.Supports(arch, toolchain) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Free() != out[j].Free() {
			return out[i].Free() > out[j].Free()
		}
		pi, pj := peakUtil(out[i].Util), peakUtil(out[j].Util)
		if pi != pj {
			return pi < pj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ReserveSlot atomically claims one slot, failing with ErrCapacityExceeded when
// the resource is full. Safe under concurrent callers.
func (r *Registry) ReserveSlot(id string) error {
	r.mu.RLock()
	e, ok := r.resources[id]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownResource
	}
	total := int32(e.res.Slots)
	for {
		cur := e.occupied.Load()
		if cur >= total {
			return ErrCapacityExceeded
		}
		if e.occupied.CompareAndSwap(cur, cur+1) {
			observability.Default.SetGauge("resource_occupied_slots", map[string]string{"resource_id": id}, float64(cur+1))
			return nil
		}
	}
}

// ReleaseSlot returns a slot. A release that would drive the count negative is
// a core bug, not a runtime condition, and panics.
func (r *Registry) ReleaseSlot(id string) {
	r.mu.RLock()
	e, ok := r.resources[id]
	r.mu.RUnlock()
	if !ok {
		// Resource withdrawn while the job was in flight; nothing to release.
		return
	}
	for {
		cur := e.occupied.Load()
		if cur <= 0 {
			panic(fmt.Sprintf("registry: slot count for %s would go negative", id))
		}
		if e.occupied.CompareAndSwap(cur, cur-1) {
			observability.Default.SetGauge("resource_occupied_slots", map[string]string{"resource_id": id}, float64(cur-1))
			return
		}
	}
}

func (r *Registry) viewLocked(e *entry) View {
	res := e.res
	res.Architectures = append([]string(nil), e.res.Architectures...)
	res.Toolchains = append([]string(nil), e.res.Toolchains...)
	return View{Resource: res, Occupied: int(e.occupied.Load())}
}

func peakUtil(u Utilization) float64 {
	max := u.CPU
	if u.Memory > max {
		max = u.Memory
	}
	if u.Storage > max {
		max = u.Storage
	}
	return max
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(strings.TrimSpace(x), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
