// Package repository defines registry storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/ahkfinance/devicelock/internal/model"
)

// DeviceRepository stores device documents.
//
// Every write merges: offlineUnlockCount keeps the larger value and pinHash
// is only written when the stored document has none.
type DeviceRepository interface {
	// Get loads a document; errs.ErrNotFound when missing.
	Get(ctx context.Context, id string) (model.Fields, error)
	// Patch merges f into an existing document; errs.ErrNotFound when missing.
	Patch(ctx context.Context, id string, f model.Fields) (model.Fields, error)
	// Set merges f into the document, creating it if needed.
	Set(ctx context.Context, id string, f model.Fields) (model.Fields, error)
	// List returns every document ordered by id.
	List(ctx context.Context) ([]model.DeviceDoc, error)
	// PatchAll merges f into every document in one transaction.
	PatchAll(ctx context.Context, f model.Fields) ([]model.DeviceDoc, error)
}

// LocationRepository stores per-date location history documents.
type LocationRepository interface {
	// PutHistory replaces the document for (deviceID, date).
	PutHistory(ctx context.Context, deviceID, date string, doc map[string]any) error
	// ListHistory returns every date document of a device, oldest date first.
	ListHistory(ctx context.Context, deviceID string) ([]map[string]any, error)
}

// OperatorRepository provides access to console operator accounts.
type OperatorRepository interface {
	// Create inserts a new operator; errs.ErrAlreadyExists on duplicate username.
	Create(ctx context.Context, op *model.Operator) error
	// GetByUsername loads an operator by username.
	GetByUsername(ctx context.Context, username string) (*model.Operator, error)
}
