// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package loader

import (
	"context"
	"time"
)

// EntityLoader is the entity type recorded on approval requests for loaders.
const EntityLoader = "LOADER"

// RequestType describes what an approval request proposes.
type RequestType string

// Request types.
const (
	RequestCreate RequestType = "CREATE"
	RequestUpdate RequestType = "UPDATE"
	RequestDelete RequestType = "DELETE"
)

// ApprovalRequest records one proposed change awaiting review. RequestData
// holds a JSON snapshot of the proposed state; CurrentData holds the
// pre-change state for UPDATE requests.
type ApprovalRequest struct {
	ID             int64
	EntityType     string
	EntityID       string
	RequestType    RequestType
	ApprovalStatus ApprovalStatus
	RequestData    []byte
	CurrentData    []byte
	RequestedBy    string
	CreatedAt      time.Time
	DecidedBy      string
	DecidedAt      *time.Time
	Reason         string
}

// ApprovalDB is the approval request storage. At most one PENDING_APPROVAL
// request may exist per (entityType, entityID); Create fails with
// ErrWrongState otherwise.
//
// architecture: Database
type ApprovalDB interface {
	Create(ctx context.Context, req *ApprovalRequest) (*ApprovalRequest, error)
	GetPending(ctx context.Context, entityType, entityID string) (*ApprovalRequest, error)
	Decide(ctx context.Context, id int64, status ApprovalStatus, decidedBy, reason string) error
	List(ctx context.Context, entityType string) ([]ApprovalRequest, error)
}
