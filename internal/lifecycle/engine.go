package lifecycle

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"breakdown-service-backend/internal/model"
	"breakdown-service-backend/internal/realtime"
)

// Store is the persistence contract the engine drives. Implementations must
// make ApplyTransition atomic: the row mutation and the timeline append
// either both persist or neither does, and the from-status check must be
// re-validated inside the same transaction so that of two concurrent
// transition attempts exactly one succeeds.
type Store interface {
	Get(ctx context.Context, id string) (*model.ServiceRequest, error)
	Create(ctx context.Context, req *model.ServiceRequest, entry model.TimelineEntry) (*model.ServiceRequest, error)
	ApplyTransition(ctx context.Context, id string, from, to model.RequestStatus, mutate func(*model.ServiceRequest) error, entry model.TimelineEntry) (*model.ServiceRequest, error)
	ListForActor(ctx context.Context, actor Actor, filter ListFilter) ([]model.ServiceRequest, string, error)
	Timeline(ctx context.Context, requestID string) ([]model.TimelineEntry, error)
	AppendTimeline(ctx context.Context, entry *model.TimelineEntry) error
}

// ListFilter narrows and pages a request listing.
type ListFilter struct {
	Status model.RequestStatus
	Cursor string
	Limit  int
}

// Notifier fans a lifecycle event out to rooms. Delivery failures are the
// notifier's problem; the transition has already committed.
type Notifier interface {
	Emit(event string, rooms []string, payload map[string]any)
}

// Pusher queues an offline push notification for a user. May be a no-op.
type Pusher interface {
	Dispatch(requestID, userID, message string)
}

// Engine validates role-gated transitions against the table below and applies
// them through the store. It is the only writer of request state.
type Engine struct {
	store    Store
	notifier Notifier
	pusher   Pusher
	log      *logrus.Logger
	now      func() time.Time

	// Striped per-request locks held across commit and emit, so the socket
	// stream for one request always matches commit order. Stripes over-
	// serialize on hash collisions, which only costs latency.
	locks [lockStripes]sync.Mutex
}

const lockStripes = 64

func NewEngine(store Store, notifier Notifier, pusher Pusher, log *logrus.Logger) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		pusher:   pusher,
		log:      log,
		now:      time.Now,
	}
}

func (e *Engine) lockRequest(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	m := &e.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m
}

// transition is one row of the data-driven table: the statuses an action may
// start from, the roles allowed to invoke it, the resulting status and the
// timeline/socket events it produces. Anything not expressible here is
// rejected before the store is touched.
type transition struct {
	from  map[model.RequestStatus]struct{}
	roles map[Role]struct{}
	to    model.RequestStatus
	event string
	topic string
}

func statuses(ss ...model.RequestStatus) map[model.RequestStatus]struct{} {
	m := make(map[model.RequestStatus]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

func roles(rs ...Role) map[Role]struct{} {
	m := make(map[Role]struct{}, len(rs))
	for _, r := range rs {
		m[r] = struct{}{}
	}
	return m
}

var (
	transitionAccept = transition{
		from:  statuses(model.StatusNew),
		roles: roles(RoleProvider),
		to:    model.StatusProviderAccepted,
		event: model.EventRequestAccepted,
		topic: realtime.EventAccepted,
	}
	transitionReject = transition{
		from:  statuses(model.StatusNew),
		roles: roles(RoleProvider),
		to:    model.StatusRejected,
		event: model.EventRequestRejected,
		topic: realtime.EventRejected,
	}
	transitionAssignMechanic = transition{
		from:  statuses(model.StatusProviderAccepted),
		roles: roles(RoleProvider),
		to:    model.StatusMechanicAssigned,
		event: model.EventMechanicAssigned,
		topic: realtime.EventMechanicAssigned,
	}
	transitionSetEstimate = transition{
		from:  statuses(model.StatusMechanicAssigned, model.StatusAwaitingEstimateApproval),
		roles: roles(RoleProvider),
		to:    model.StatusAwaitingEstimateApproval,
		event: model.EventEstimateSet,
		topic: realtime.EventEstimateUpdated,
	}
	transitionApproveEstimate = transition{
		from:  statuses(model.StatusAwaitingEstimateApproval),
		roles: roles(RoleCustomer),
		to:    model.StatusEstimateApproved,
		event: model.EventEstimateApproved,
		topic: realtime.EventEstimateApproved,
	}

	// Progress steps share one action; the required predecessor is keyed by
	// the requested status.
	statusPredecessor = map[model.RequestStatus]model.RequestStatus{
		model.StatusEnRoute:    model.StatusEstimateApproved,
		model.StatusInProgress: model.StatusEnRoute,
		model.StatusCompleted:  model.StatusInProgress,
	}
	progressRoles = roles(RoleMechanic, RoleProvider, RoleAdmin)
)

// CreateInput carries the customer-supplied fields of a new request.
type CreateInput struct {
	BreakdownType string
	Description   string
	Latitude      float64
	Longitude     float64
	Address       string
	CategoryID    string
	VehicleID     string
	SOS           bool
}

// Create opens a new request in status NEW for the calling customer.
func (e *Engine) Create(ctx context.Context, actor Actor, in CreateInput) (*model.ServiceRequest, error) {
	if actor.Role != RoleCustomer {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(in.BreakdownType) == "" {
		return nil, ErrInvalidArgument
	}

	req := &model.ServiceRequest{
		CustomerID:    actor.UserID,
		BreakdownType: in.BreakdownType,
		Description:   in.Description,
		Latitude:      in.Latitude,
		Longitude:     in.Longitude,
		Address:       in.Address,
		CategoryID:    in.CategoryID,
		VehicleID:     in.VehicleID,
		SOS:           in.SOS,
		Status:        model.StatusNew,
	}
	entry := model.TimelineEntry{Event: model.EventRequestCreated, ActorID: actor.UserID}

	created, err := e.store.Create(ctx, req, entry)
	if err != nil {
		return nil, err
	}
	e.emit(created, realtime.EventCreated, map[string]any{"id": created.ID})
	return created, nil
}

// Accept binds the accepting provider to a NEW request.
func (e *Engine) Accept(ctx context.Context, actor Actor, id string) (*model.ServiceRequest, error) {
	return e.apply(ctx, actor, id, transitionAccept, "", "",
		func(r *model.ServiceRequest) error {
			pid := actor.ProviderID
			r.ProviderID = &pid
			return nil
		},
		func(r *model.ServiceRequest) map[string]any {
			return map[string]any{"id": r.ID, "status": r.Status, "providerId": r.ProviderID}
		})
}

// Reject terminally closes a NEW request with a reason.
func (e *Engine) Reject(ctx context.Context, actor Actor, id, reason string) (*model.ServiceRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrInvalidArgument
	}
	req, err := e.apply(ctx, actor, id, transitionReject, reason, "",
		func(r *model.ServiceRequest) error {
			r.RejectionReason = &reason
			return nil
		},
		func(r *model.ServiceRequest) map[string]any {
			return map[string]any{"id": r.ID, "status": r.Status, "reason": reason}
		})
	if err != nil {
		return nil, err
	}
	e.push(req, "Your service request was rejected: "+reason)
	return req, nil
}

// AssignMechanic attaches a mechanic to an accepted request.
func (e *Engine) AssignMechanic(ctx context.Context, actor Actor, id, mechanicID string) (*model.ServiceRequest, error) {
	mechanicID = strings.TrimSpace(mechanicID)
	if mechanicID == "" {
		return nil, ErrInvalidArgument
	}
	return e.apply(ctx, actor, id, transitionAssignMechanic, "", "",
		func(r *model.ServiceRequest) error {
			r.MechanicID = &mechanicID
			return nil
		},
		func(r *model.ServiceRequest) map[string]any {
			return map[string]any{"id": r.ID, "status": r.Status, "mechanicId": mechanicID}
		})
}

// SetEstimate proposes (or revises) the cost. Revising while already awaiting
// approval keeps the status and replaces the amount.
func (e *Engine) SetEstimate(ctx context.Context, actor Actor, id string, amount float64) (*model.ServiceRequest, error) {
	if amount <= 0 {
		return nil, ErrInvalidArgument
	}
	return e.apply(ctx, actor, id, transitionSetEstimate, "", "",
		func(r *model.ServiceRequest) error {
			r.EstimateAmount = &amount
			return nil
		},
		func(r *model.ServiceRequest) map[string]any {
			return map[string]any{"id": r.ID, "status": r.Status, "amount": amount}
		})
}

// ApproveEstimate records the customer's approval and stamps the time.
func (e *Engine) ApproveEstimate(ctx context.Context, actor Actor, id string) (*model.ServiceRequest, error) {
	approvedAt := e.now().UTC()
	return e.apply(ctx, actor, id, transitionApproveEstimate, "", "",
		func(r *model.ServiceRequest) error {
			r.EstimateApprovedAt = &approvedAt
			return nil
		},
		func(r *model.ServiceRequest) map[string]any {
			return map[string]any{"id": r.ID, "status": r.Status, "estimateApprovedAt": approvedAt}
		})
}

// UpdateStatus advances an approved request along EN_ROUTE -> IN_PROGRESS ->
// COMPLETED. Each step only follows its predecessor.
func (e *Engine) UpdateStatus(ctx context.Context, actor Actor, id string, to model.RequestStatus, note, meta string) (*model.ServiceRequest, error) {
	from, ok := statusPredecessor[to]
	if !ok {
		return nil, ErrInvalidArgument
	}
	t := transition{
		from:  statuses(from),
		roles: progressRoles,
		to:    to,
		event: model.EventStatusChanged,
		topic: realtime.EventStatusChanged,
	}
	req, err := e.apply(ctx, actor, id, t, note, meta,
		func(*model.ServiceRequest) error { return nil },
		func(r *model.ServiceRequest) map[string]any {
			return map[string]any{"id": r.ID, "status": r.Status}
		})
	if err != nil {
		return nil, err
	}
	if to == model.StatusCompleted {
		e.push(req, "Your service request has been completed")
	}
	return req, nil
}

// AddNote appends a timeline note without touching status, and emits a
// lightweight notification so interested clients can re-fetch the timeline.
func (e *Engine) AddNote(ctx context.Context, actor Actor, id, note string) (*model.TimelineEntry, error) {
	if strings.TrimSpace(note) == "" {
		return nil, ErrInvalidArgument
	}
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, req) {
		return nil, ErrForbidden
	}

	entry := model.TimelineEntry{
		RequestID: id,
		Event:     model.EventNoteAdded,
		Note:      note,
		ActorID:   actor.UserID,
	}

	lock := e.lockRequest(id)
	defer lock.Unlock()

	if err := e.store.AppendTimeline(ctx, &entry); err != nil {
		return nil, err
	}
	e.emit(req, realtime.EventNoteAdded, map[string]any{"id": req.ID})
	return &entry, nil
}

// Get fetches one request, visible only to its parties and admins.
func (e *Engine) Get(ctx context.Context, actor Actor, id string) (*model.ServiceRequest, error) {
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, req) {
		return nil, ErrForbidden
	}
	return req, nil
}

// List returns requests scoped to the actor's role.
func (e *Engine) List(ctx context.Context, actor Actor, filter ListFilter) ([]model.ServiceRequest, string, error) {
	return e.store.ListForActor(ctx, actor, filter)
}

// Timeline returns the request's audit entries, oldest first.
func (e *Engine) Timeline(ctx context.Context, actor Actor, id string) ([]model.TimelineEntry, error) {
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, req) {
		return nil, ErrForbidden
	}
	return e.store.Timeline(ctx, id)
}

// apply runs the shared validation sequence for a transition: load, gate by
// role, gate by current status, gate by party, then hand the mutation and the
// timeline entry to the store as one atomic unit. The status gate runs before
// the party gate: a provider who lost the race on a claimed request must see
// the transition conflict, not a permission error. The realtime event fires
// only after the store commits, under a per-request lock so emission order is
// commit order.
func (e *Engine) apply(
	ctx context.Context,
	actor Actor,
	id string,
	t transition,
	note, meta string,
	mutate func(*model.ServiceRequest) error,
	payload func(*model.ServiceRequest) map[string]any,
) (*model.ServiceRequest, error) {
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := t.roles[actor.Role]; !ok {
		return nil, ErrForbidden
	}
	if _, ok := t.from[req.Status]; !ok {
		return nil, invalidTransition(req.Status, t.to)
	}
	if !isParty(actor, req) {
		return nil, ErrForbidden
	}

	entry := model.TimelineEntry{
		RequestID: id,
		Event:     t.event,
		Note:      note,
		Meta:      meta,
		ActorID:   actor.UserID,
	}

	lock := e.lockRequest(id)
	defer lock.Unlock()

	updated, err := e.store.ApplyTransition(ctx, id, req.Status, t.to, mutate, entry)
	if err != nil {
		return nil, err
	}

	e.emit(updated, t.topic, payload(updated))
	return updated, nil
}

// isParty checks the actor against the ids bound on the request. Providers
// pass while the request is still unclaimed; mechanics only once assigned.
func isParty(actor Actor, req *model.ServiceRequest) bool {
	switch actor.Role {
	case RoleAdmin:
		return true
	case RoleCustomer:
		return req.CustomerID == actor.UserID
	case RoleProvider:
		return req.ProviderID == nil || *req.ProviderID == actor.ProviderID
	case RoleMechanic:
		return req.MechanicID != nil && *req.MechanicID == actor.MechanicID
	}
	return false
}

// canView mirrors isParty for read access.
func canView(actor Actor, req *model.ServiceRequest) bool {
	return isParty(actor, req)
}

// emit publishes one event to every room interested in the request:
// its customer, its provider and mechanic once bound, and request watchers.
func (e *Engine) emit(req *model.ServiceRequest, topic string, payload map[string]any) {
	rooms := []string{
		realtime.RoomUser(req.CustomerID),
		realtime.RoomRequest(req.ID),
	}
	if req.ProviderID != nil {
		rooms = append(rooms, realtime.RoomProvider(*req.ProviderID))
	}
	if req.MechanicID != nil {
		rooms = append(rooms, realtime.RoomMechanic(*req.MechanicID))
	}
	e.notifier.Emit(topic, rooms, payload)
}

func (e *Engine) push(req *model.ServiceRequest, message string) {
	if e.pusher == nil {
		return
	}
	e.pusher.Dispatch(req.ID, req.CustomerID, message)
}
