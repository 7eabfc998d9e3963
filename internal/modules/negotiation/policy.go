// README: Access policy predicates gating each negotiation transition.
package negotiation

import (
	"context"
	"errors"

	"freight/internal/types"
)

func CanCreateService(role types.Role) bool {
	return role == types.RoleShipper || role == types.RoleBoth
}

func CanSubmitOffer(role types.Role) bool {
	return role == types.RoleDriver || role == types.RoleBoth
}

func CanEditService(editorID types.ID, svc *Service) bool {
	return editorID == svc.CreatedBy && svc.Editable()
}

func CanAcceptCounter(actorID types.ID, svc *Service) bool {
	return actorID == svc.CreatedBy
}

// AssignmentFinder looks up the assignment binding a driver to a service.
type AssignmentFinder interface {
	FindDriverAssignment(ctx context.Context, serviceID, driverID types.ID) (*Assignment, error)
}

// CanActOnAssignment reports whether driverID holds the assignment of serviceID.
func CanActOnAssignment(ctx context.Context, finder AssignmentFinder, driverID, serviceID types.ID) (bool, error) {
	_, err := finder.FindDriverAssignment(ctx, serviceID, driverID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
