package model

import "time"

// RequestStatus is the lifecycle status of a service request.
type RequestStatus string

const (
	StatusNew                      RequestStatus = "NEW"
	StatusProviderAccepted         RequestStatus = "PROVIDER_ACCEPTED"
	StatusRejected                 RequestStatus = "REJECTED"
	StatusMechanicAssigned         RequestStatus = "MECHANIC_ASSIGNED"
	StatusAwaitingEstimateApproval RequestStatus = "AWAITING_ESTIMATE_APPROVAL"
	StatusEstimateApproved         RequestStatus = "ESTIMATE_APPROVED"
	StatusEnRoute                  RequestStatus = "EN_ROUTE"
	StatusInProgress               RequestStatus = "IN_PROGRESS"
	StatusCompleted                RequestStatus = "COMPLETED"
)

// Terminal reports whether no further transitions are accepted from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted
}

// Valid reports whether s is one of the defined statuses.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusNew, StatusProviderAccepted, StatusRejected,
		StatusMechanicAssigned, StatusAwaitingEstimateApproval,
		StatusEstimateApproved, StatusEnRoute, StatusInProgress,
		StatusCompleted:
		return true
	}
	return false
}

// ServiceRequest is a customer's breakdown job tracked through its lifecycle.
// Rows are never deleted; terminal statuses soft-close the request. All status
// writes go through the store's guarded transition, never direct field updates.
type ServiceRequest struct {
	ID            string  `gorm:"primaryKey;size:36" json:"id"`
	CustomerID    string  `gorm:"index;size:36;not null" json:"customerId"`
	ProviderID    *string `gorm:"index;size:36" json:"providerId"`
	MechanicID    *string `gorm:"index;size:36" json:"mechanicId"`
	BreakdownType string  `gorm:"size:128;not null" json:"breakdownType"`
	Description   string  `gorm:"size:2048" json:"description"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Address       string  `gorm:"size:512" json:"address"`
	CategoryID    string  `gorm:"size:36" json:"categoryId"`
	VehicleID     string  `gorm:"size:36" json:"vehicleId"`
	SOS           bool    `json:"sos"`

	Status             RequestStatus `gorm:"index;size:32;not null" json:"status"`
	EstimateAmount     *float64      `json:"estimateAmount"`
	EstimateApprovedAt *time.Time    `json:"estimateApprovedAt"`
	RejectionReason    *string       `gorm:"size:512" json:"rejectionReason"`

	CreatedAt time.Time `gorm:"index;not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`
}
