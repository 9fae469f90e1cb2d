package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"breakdown-service-backend/internal/lifecycle"
	"breakdown-service-backend/internal/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// gormStore implements lifecycle.Store using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) lifecycle.Store {
	return &gormStore{db: db}
}

func (s *gormStore) Get(ctx context.Context, id string) (*model.ServiceRequest, error) {
	var req model.ServiceRequest
	err := s.db.WithContext(ctx).First(&req, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch service request %s: %w", id, err)
	}
	return &req, nil
}

// Create persists a new request together with its opening timeline entry.
func (s *gormStore) Create(ctx context.Context, req *model.ServiceRequest, entry model.TimelineEntry) (*model.ServiceRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	entry.RequestID = req.ID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(req).Error; err != nil {
			return fmt.Errorf("failed to create service request: %w", err)
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to append timeline entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ApplyTransition re-reads the row inside a transaction, verifies it is still
// in the expected status, applies the mutation and appends the timeline entry.
// The final UPDATE is guarded by the status value, so when two transitions
// race on one request the loser observes zero affected rows and fails with an
// invalid-transition error instead of overwriting.
func (s *gormStore) ApplyTransition(
	ctx context.Context,
	id string,
	from, to model.RequestStatus,
	mutate func(*model.ServiceRequest) error,
	entry model.TimelineEntry,
) (*model.ServiceRequest, error) {
	var out model.ServiceRequest

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req model.ServiceRequest
		if err := tx.First(&req, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return lifecycle.ErrNotFound
			}
			return fmt.Errorf("failed to fetch service request %s: %w", id, err)
		}
		if req.Status != from {
			return &lifecycle.InvalidTransitionError{Current: req.Status, Attempted: to}
		}

		if err := mutate(&req); err != nil {
			return err
		}
		req.Status = to
		req.UpdatedAt = time.Now().UTC()

		res := tx.Model(&model.ServiceRequest{}).
			Where("id = ? AND status = ?", id, from).
			Updates(map[string]any{
				"status":               req.Status,
				"provider_id":          req.ProviderID,
				"mechanic_id":          req.MechanicID,
				"estimate_amount":      req.EstimateAmount,
				"estimate_approved_at": req.EstimateApprovedAt,
				"rejection_reason":     req.RejectionReason,
				"updated_at":           req.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update service request %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race: someone advanced the status between our read
			// and this update.
			var current model.ServiceRequest
			if err := tx.First(&current, "id = ?", id).Error; err == nil {
				return &lifecycle.InvalidTransitionError{Current: current.Status, Attempted: to}
			}
			return &lifecycle.InvalidTransitionError{Current: from, Attempted: to}
		}

		entry.RequestID = id
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to append timeline entry: %w", err)
		}

		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListForActor pages requests visible to the actor: customers their own,
// providers theirs plus unclaimed NEW ones, mechanics theirs, admins all.
// Keyset pagination, newest first.
func (s *gormStore) ListForActor(ctx context.Context, actor lifecycle.Actor, filter lifecycle.ListFilter) ([]model.ServiceRequest, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	q := s.db.WithContext(ctx).Model(&model.ServiceRequest{})

	switch actor.Role {
	case lifecycle.RoleCustomer:
		q = q.Where("customer_id = ?", actor.UserID)
	case lifecycle.RoleProvider:
		q = q.Where("provider_id = ? OR (provider_id IS NULL AND status = ?)",
			actor.ProviderID, model.StatusNew)
	case lifecycle.RoleMechanic:
		q = q.Where("mechanic_id = ?", actor.MechanicID)
	case lifecycle.RoleAdmin:
		// unrestricted
	default:
		return nil, "", lifecycle.ErrForbidden
	}

	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Cursor != "" {
		at, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", lifecycle.ErrInvalidArgument
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", at, at, id)
	}

	var requests []model.ServiceRequest
	// One extra row tells us whether another page exists.
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&requests).Error; err != nil {
		return nil, "", fmt.Errorf("failed to list service requests: %w", err)
	}

	next := ""
	if len(requests) > limit {
		requests = requests[:limit]
		last := requests[len(requests)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return requests, next, nil
}

func (s *gormStore) Timeline(ctx context.Context, requestID string) ([]model.TimelineEntry, error) {
	var entries []model.TimelineEntry
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch timeline for %s: %w", requestID, err)
	}
	return entries, nil
}

func (s *gormStore) AppendTimeline(ctx context.Context, entry *model.TimelineEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append timeline entry: %w", err)
	}
	return nil
}

// Cursors encode (created_at, id) of the last row of a page.

func encodeCursor(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos), parts[1], nil
}
