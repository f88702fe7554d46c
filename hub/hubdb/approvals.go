// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"context"
	"time"

	"github.com/signalhub/signalhub/hub/loader"
)

// approvalsDB implements loader.ApprovalDB on loader_approval_requests.
type approvalsDB struct {
	db *DB
}

type approvalRow struct {
	ID             int64      `db:"id"`
	EntityType     string     `db:"entity_type"`
	EntityID       string     `db:"entity_id"`
	RequestType    string     `db:"request_type"`
	ApprovalStatus string     `db:"approval_status"`
	RequestData    []byte     `db:"request_data"`
	CurrentData    []byte     `db:"current_data"`
	RequestedBy    string     `db:"requested_by"`
	CreatedAt      time.Time  `db:"created_at"`
	DecidedBy      string     `db:"decided_by"`
	DecidedAt      *time.Time `db:"decided_at"`
	Reason         string     `db:"reason"`
}

const approvalColumns = `id, entity_type, entity_id, request_type, approval_status,
	request_data, current_data, requested_by, created_at, decided_by, decided_at, reason`

func approvalFromRow(row *approvalRow) *loader.ApprovalRequest {
	return &loader.ApprovalRequest{
		ID:             row.ID,
		EntityType:     row.EntityType,
		EntityID:       row.EntityID,
		RequestType:    loader.RequestType(row.RequestType),
		ApprovalStatus: loader.ApprovalStatus(row.ApprovalStatus),
		RequestData:    row.RequestData,
		CurrentData:    row.CurrentData,
		RequestedBy:    row.RequestedBy,
		CreatedAt:      row.CreatedAt,
		DecidedBy:      row.DecidedBy,
		DecidedAt:      row.DecidedAt,
		Reason:         row.Reason,
	}
}

func (adb *approvalsDB) Create(ctx context.Context, req *loader.ApprovalRequest) (_ *loader.ApprovalRequest, err error) {
	defer mon.Task()(&ctx)(&err)

	var row approvalRow
	err = adb.db.db.GetContext(ctx, &row, `
		INSERT INTO loader_approval_requests (
			entity_type, entity_id, request_type, approval_status,
			request_data, current_data, requested_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+approvalColumns,
		req.EntityType, req.EntityID, string(req.RequestType), string(req.ApprovalStatus),
		req.RequestData, req.CurrentData, req.RequestedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, loader.ErrWrongState.New("pending request already exists for %s %s",
				req.EntityType, req.EntityID)
		}
		return nil, Error.Wrap(err)
	}
	return approvalFromRow(&row), nil
}

func (adb *approvalsDB) GetPending(ctx context.Context, entityType, entityID string) (_ *loader.ApprovalRequest, err error) {
	defer mon.Task()(&ctx)(&err)

	var row approvalRow
	err = adb.db.db.GetContext(ctx, &row, `
		SELECT `+approvalColumns+` FROM loader_approval_requests
		WHERE entity_type = $1 AND entity_id = $2 AND approval_status = 'PENDING_APPROVAL'`,
		entityType, entityID)
	if isNoRows(err) {
		return nil, loader.ErrNotFound.New("no pending request for %s %s", entityType, entityID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return approvalFromRow(&row), nil
}

func (adb *approvalsDB) Decide(ctx context.Context, id int64, status loader.ApprovalStatus, decidedBy, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := adb.db.db.ExecContext(ctx, `
		UPDATE loader_approval_requests SET
			approval_status = $2, decided_by = $3, decided_at = now(), reason = $4
		WHERE id = $1 AND approval_status = 'PENDING_APPROVAL'`,
		id, string(status), decidedBy, reason)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return loader.ErrWrongState.New("request %d is not pending", id)
	}
	return nil
}

func (adb *approvalsDB) List(ctx context.Context, entityType string) (_ []loader.ApprovalRequest, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []approvalRow
	err = adb.db.db.SelectContext(ctx, &rows, `
		SELECT `+approvalColumns+` FROM loader_approval_requests
		WHERE entity_type = $1
		ORDER BY created_at DESC`, entityType)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]loader.ApprovalRequest, 0, len(rows))
	for i := range rows {
		out = append(out, *approvalFromRow(&rows[i]))
	}
	return out, nil
}
