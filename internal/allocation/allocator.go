// Package allocation expands address/port specifications into node
// allocations and manages their binding to servers.
package allocation

import (
	"context"
	"log/slog"
	"strings"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/audit"
	"fleet-panel/internal/model"
)

// Repository is the storage the allocator needs. InsertAllocation must be
// backed by a (node, ip, port) unique constraint and report inserted=false
// instead of failing when that constraint rejects the row.
type Repository interface {
	GetNode(ctx context.Context, id string) (model.Node, error)
	FindAllocation(ctx context.Context, nodeID, ip string, port int) (model.Allocation, bool, error)
	InsertAllocation(ctx context.Context, a model.Allocation) (model.Allocation, bool, error)
	GetAllocation(ctx context.Context, id string) (model.Allocation, error)
	ListAllocationsByNode(ctx context.Context, nodeID string) ([]model.Allocation, error)
	ListAllocationsByServer(ctx context.Context, serverID string) ([]model.Allocation, error)
	DeleteAllocation(ctx context.Context, id string) error
	UpdateAllocationAlias(ctx context.Context, id string, alias *string) (model.Allocation, error)
	UpdateAllocationNotes(ctx context.Context, serverID, id string, notes *string) (model.Allocation, error)
	AssignFreeAllocation(ctx context.Context, serverID, nodeID string, limit int) (model.Allocation, error)
	SetPrimaryAllocation(ctx context.Context, serverID, allocationID string) (model.Allocation, error)
	UnassignAllocation(ctx context.Context, serverID, id string) error
}

type Request struct {
	NodeID  string
	IP      string
	Ports   string
	IPAlias string
	Actor   string
}

type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type Failure struct {
	Endpoint
	Error string `json:"error"`
}

// Result reports a batch allocation. Failed holds pairs whose insert
// errored; the rest of the batch still went through.
type Result struct {
	Created []model.Allocation
	Skipped []Endpoint
	Failed  []Failure
}

type Allocator struct {
	repo         Repository
	audit        audit.Sink
	log          *slog.Logger
	maxAddresses int
}

type Options struct {
	MaxAddresses int
	Audit        audit.Sink
	Logger       *slog.Logger
}

func NewAllocator(repo Repository, opts Options) *Allocator {
	a := &Allocator{
		repo:         repo,
		audit:        opts.Audit,
		log:          opts.Logger,
		maxAddresses: opts.MaxAddresses,
	}
	if a.audit == nil {
		a.audit = audit.Nop{}
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.maxAddresses <= 0 {
		a.maxAddresses = DefaultMaxAddresses
	}
	return a
}

// Allocate creates a free allocation for every (address, port) pair in the
// request. Pairs that already exist are skipped. The call fails with
// ErrAllConflict when everything was skipped and ErrNoAddressesOrPorts
// when nothing was created or skipped.
func (a *Allocator) Allocate(ctx context.Context, req Request) (Result, error) {
	addrs, err := ParseAddresses(req.IP, a.maxAddresses)
	if err != nil {
		return Result{}, err
	}
	ports, err := ParsePorts(req.Ports)
	if err != nil {
		return Result{}, err
	}
	if _, err := a.repo.GetNode(ctx, req.NodeID); err != nil {
		return Result{}, err
	}

	var alias *string
	if v := strings.TrimSpace(req.IPAlias); v != "" {
		alias = &v
	}

	var res Result
	for _, ip := range addrs {
		for _, port := range ports {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			ep := Endpoint{IP: ip, Port: port}

			_, exists, err := a.repo.FindAllocation(ctx, req.NodeID, ip, port)
			if err != nil {
				a.log.Warn("allocation lookup failed", "node", req.NodeID, "ip", ip, "port", port, "err", err)
				res.Failed = append(res.Failed, Failure{Endpoint: ep, Error: err.Error()})
				continue
			}
			if exists {
				res.Skipped = append(res.Skipped, ep)
				continue
			}

			created, inserted, err := a.repo.InsertAllocation(ctx, model.Allocation{NodeID: req.NodeID, IP: ip, Port: port, IPAlias: alias})
			if err != nil {
				a.log.Warn("allocation insert failed", "node", req.NodeID, "ip", ip, "port", port, "err", err)
				res.Failed = append(res.Failed, Failure{Endpoint: ep, Error: err.Error()})
				continue
			}
			if !inserted {
				// Lost the race to a concurrent request for the same pair.
				res.Skipped = append(res.Skipped, ep)
				continue
			}
			res.Created = append(res.Created, created)
		}
	}

	if len(res.Created) > 0 {
		a.audit.Record(ctx, audit.Event{
			Actor:      req.Actor,
			ActorType:  audit.ActorUser,
			Action:     "admin.node.allocations.created",
			TargetType: audit.TargetNode,
			TargetID:   req.NodeID,
			Metadata: map[string]any{
				"ip":      req.IP,
				"ports":   req.Ports,
				"created": len(res.Created),
				"skipped": len(res.Skipped),
				"failed":  len(res.Failed),
			},
		})
	}

	switch {
	case len(res.Created) == 0 && len(res.Skipped) > 0:
		return res, apperr.ErrAllConflict
	case len(res.Created) == 0 && len(res.Skipped) == 0:
		return res, apperr.ErrNoAddressesOrPorts
	}
	return res, nil
}

func (a *Allocator) ListByNode(ctx context.Context, nodeID string) ([]model.Allocation, error) {
	if _, err := a.repo.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	return a.repo.ListAllocationsByNode(ctx, nodeID)
}

func (a *Allocator) ListByServer(ctx context.Context, serverID string) ([]model.Allocation, error) {
	return a.repo.ListAllocationsByServer(ctx, serverID)
}

// Deallocate removes an unbound allocation.
func (a *Allocator) Deallocate(ctx context.Context, id, actor string) error {
	alloc, err := a.repo.GetAllocation(ctx, id)
	if err != nil {
		return err
	}
	if alloc.Assigned() {
		return apperr.Wrap(apperr.ErrInUse, "allocation %s:%d is assigned to a server", alloc.IP, alloc.Port)
	}
	if err := a.repo.DeleteAllocation(ctx, id); err != nil {
		return err
	}
	a.audit.Record(ctx, audit.Event{
		Actor:      actor,
		ActorType:  audit.ActorUser,
		Action:     "admin.node.allocation.deleted",
		TargetType: audit.TargetNode,
		TargetID:   alloc.NodeID,
		Metadata:   map[string]any{"allocationId": id, "ip": alloc.IP, "port": alloc.Port},
	})
	return nil
}

func (a *Allocator) UpdateAlias(ctx context.Context, id, alias, actor string) (model.Allocation, error) {
	var v *string
	if alias = strings.TrimSpace(alias); alias != "" {
		v = &alias
	}
	alloc, err := a.repo.UpdateAllocationAlias(ctx, id, v)
	if err != nil {
		return model.Allocation{}, err
	}
	a.audit.Record(ctx, audit.Event{
		Actor:      actor,
		ActorType:  audit.ActorUser,
		Action:     "admin.node.allocation.updated",
		TargetType: audit.TargetNode,
		TargetID:   alloc.NodeID,
		Metadata:   map[string]any{"allocationId": id, "ipAlias": alias},
	})
	return alloc, nil
}

// UpdateNotes sets the notes of an allocation bound to the server.
func (a *Allocator) UpdateNotes(ctx context.Context, srv model.Server, id, notes, actor string) (model.Allocation, error) {
	var v *string
	if notes = strings.TrimSpace(notes); notes != "" {
		v = &notes
	}
	alloc, err := a.repo.UpdateAllocationNotes(ctx, srv.ID, id, v)
	if err != nil {
		return model.Allocation{}, err
	}
	a.recordServer(ctx, srv, actor, "server.allocation.updated", alloc)
	return alloc, nil
}

// AssignNext binds the next free allocation on the server's node,
// honoring the server's allocation limit (0 means unlimited).
func (a *Allocator) AssignNext(ctx context.Context, srv model.Server, actor string) (model.Allocation, error) {
	alloc, err := a.repo.AssignFreeAllocation(ctx, srv.ID, srv.NodeID, srv.AllocationLimit)
	if err != nil {
		return model.Allocation{}, err
	}
	a.recordServer(ctx, srv, actor, "server.allocation.created", alloc)
	return alloc, nil
}

func (a *Allocator) SetPrimary(ctx context.Context, srv model.Server, id, actor string) (model.Allocation, error) {
	alloc, err := a.repo.SetPrimaryAllocation(ctx, srv.ID, id)
	if err != nil {
		return model.Allocation{}, err
	}
	a.recordServer(ctx, srv, actor, "server.allocation.primary_set", alloc)
	return alloc, nil
}

// Unassign releases a secondary allocation back to the node pool. The
// primary allocation cannot be released.
func (a *Allocator) Unassign(ctx context.Context, srv model.Server, id, actor string) error {
	if id == srv.AllocationID {
		return apperr.Wrap(apperr.ErrInUse, "cannot release the primary allocation")
	}
	alloc, err := a.repo.GetAllocation(ctx, id)
	if err != nil {
		return err
	}
	if alloc.ServerID == nil || *alloc.ServerID != srv.ID {
		return apperr.Wrap(apperr.ErrNotFound, "allocation not found")
	}
	if err := a.repo.UnassignAllocation(ctx, srv.ID, id); err != nil {
		return err
	}
	a.recordServer(ctx, srv, actor, "server.allocation.deleted", alloc)
	return nil
}

func (a *Allocator) recordServer(ctx context.Context, srv model.Server, actor, action string, alloc model.Allocation) {
	a.audit.Record(ctx, audit.Event{
		Actor:      actor,
		ActorType:  audit.ActorUser,
		Action:     action,
		TargetType: audit.TargetServer,
		TargetID:   srv.ID,
		Metadata:   map[string]any{"allocationId": alloc.ID, "ip": alloc.IP, "port": alloc.Port},
	})
}
