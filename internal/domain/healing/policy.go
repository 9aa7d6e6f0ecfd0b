package healing

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/maxillocare/healing/internal/platform/auth"
)

// CanAccess decides whether req may see records owned by ownerPatientID.
// selfPatientID is the patient record linked to req, or uuid.Nil when req has
// none. Doctors see every patient; patients only themselves.
func CanAccess(req auth.Requester, selfPatientID, ownerPatientID uuid.UUID) bool {
	switch req.Role {
	case auth.RoleDoctor:
		return true
	case auth.RolePatient:
		return selfPatientID != uuid.Nil && selfPatientID == ownerPatientID
	case auth.RoleUnknown:
		return false
	default:
		return false
	}
}

// Policy resolves the requester's own patient record before applying
// CanAccess.
type Policy struct {
	patients PatientRepository
}

func NewPolicy(patients PatientRepository) *Policy {
	return &Policy{patients: patients}
}

func (p *Policy) selfPatientID(ctx context.Context, req auth.Requester) (uuid.UUID, error) {
	if req.Role != auth.RolePatient {
		return uuid.Nil, nil
	}
	self, err := p.patients.GetByUserID(ctx, req.UserID)
	if errors.Is(err, ErrPatientNotFound) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return self.ID, nil
}

// Authorize returns ErrForbidden when req may not access ownerPatientID.
func (p *Policy) Authorize(ctx context.Context, req auth.Requester, ownerPatientID uuid.UUID) error {
	self, err := p.selfPatientID(ctx, req)
	if err != nil {
		return err
	}
	if !CanAccess(req, self, ownerPatientID) {
		return ErrForbidden
	}
	return nil
}
