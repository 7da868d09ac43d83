package loader

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/luci-dsu/luci/internal/log"
	"github.com/luci-dsu/luci/internal/object"
)

// UpdateResult summarizes one run of the update pipeline for one identity,
// threaded through to internal/statusinfo.
type UpdateResult struct {
	CorrelationID uuid.UUID
	Identity      *Identity
	Info          object.Info
	Redirected    int // count of redirections installed by the cascade
	Err           error
}

// Identity is a thin alias kept so callers outside internal/object don't
// need a second import for a type they only pass through.
type Identity = object.Identity

// Update runs the full spec.md §4 pipeline for one identity: reload from
// disk, dedup/compatibility gate inside Identity.Load, splice the new
// Object in as current, and (if a new version was produced) cascade
// redirections to every live caller still holding references to the
// previous version.
func (l *Loader) Update(id *Identity) UpdateResult {
	corr := uuid.New()
	res := UpdateResult{CorrelationID: corr, Identity: id}

	obj, info, err := id.Load()
	res.Info = info
	if err != nil {
		res.Err = err
		log.L.Event("update", id.Name, fmt.Sprintf("%s: %v", info, err))
		return res
	}
	if info == object.IdenticalTime || info == object.IdenticalHash || info == object.UpdateDisabled {
		log.L.Event("update", id.Name, info.String())
		return res
	}

	// spec.md §2/§4's load -> map -> relocate -> splice ordering: obj is
	// fully mapped and relocated against the rest of the process before it
	// ever becomes visible as id.Current().
	if err := l.mapObject(obj); err != nil {
		res.Info = object.FailedMapping
		res.Err = err
		log.L.Event("update", id.Name, fmt.Sprintf("%s: %v", object.FailedMapping, err))
		return res
	}
	if err := l.relocateObject(obj); err != nil {
		res.Info = object.FailedPreloading
		res.Err = err
		log.L.Event("update", id.Name, fmt.Sprintf("%s: %v", object.FailedPreloading, err))
		return res
	}

	l.mu.Lock()
	prev := id.Current()
	id.Splice(obj)
	l.mu.Unlock()

	log.L.Event("update", id.Name, info.String())

	if prev == nil || info != object.SuccessUpdate {
		return res // first load of this identity: nothing to cascade
	}

	count, err := l.cascade(id, prev, obj)
	res.Redirected = count
	if err != nil {
		res.Err = err
	}
	return res
}
