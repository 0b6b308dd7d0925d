package visit

import (
	"fmt"
	"sort"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/auth"
)

type transitionKey struct {
	role  string
	stage Stage
}

// transition applies the owning role's writes to v and returns the stage the
// visit moves to.
type transition func(v *Visit, req UpdateRequest) Stage

var transitions = map[transitionKey]transition{
	{auth.RoleNurse, StageTriage}: func(v *Visit, req UpdateRequest) Stage {
		write(&v.TriageNotes, req.TriageNotes)
		return StageDoctor
	},
	{auth.RoleDoctor, StageDoctor}: func(v *Visit, req UpdateRequest) Stage {
		write(&v.Diagnosis, req.Diagnosis)
		write(&v.Prescription, req.Prescription)
		switch {
		case supplied(req.LabResults):
			v.LabResults = *req.LabResults
			return StagePharmacy
		case req.RequestLab:
			return StageLab
		default:
			return StagePharmacy
		}
	},
	{auth.RoleLabTech, StageLab}: func(v *Visit, req UpdateRequest) Stage {
		write(&v.LabResults, req.LabResults)
		return StageDoctor
	},
	{auth.RolePharmacist, StagePharmacy}: func(v *Visit, req UpdateRequest) Stage {
		return StageBilling
	},
	{auth.RoleBilling, StageBilling}: func(v *Visit, req UpdateRequest) Stage {
		write(&v.BillingStatus, req.BillingStatus)
		return StageBilling
	},
}

// Apply finds the transition for one of the actor's roles at the visit's
// current stage and applies it to v in place. Roles are tried in token
// order. The returned role is the one that matched. If nothing matches, v is
// untouched and the error is an invalid transition.
func Apply(actor auth.Actor, v *Visit, req UpdateRequest) (string, error) {
	for _, role := range actor.Roles {
		t, ok := transitions[transitionKey{role, v.Stage}]
		if !ok {
			continue
		}
		v.Stage = t(v, req)
		return role, nil
	}
	return "", apperr.InvalidTransition("invalid stage update for this role: %s", describeRoles(actor))
}

func describeRoles(a auth.Actor) string {
	if len(a.Roles) == 0 {
		return "no role"
	}
	return fmt.Sprint(a.Roles)
}

// Visibility maps a role to the single stage it works on. Roles in seeAll
// see every visit.
type Visibility struct {
	byRole map[string]Stage
	seeAll auth.RoleSet
}

// NewVisibility builds a visibility table from role=stage pairs. Every stage
// must be a workflow stage.
func NewVisibility(table map[string]string) (Visibility, error) {
	byRole := make(map[string]Stage, len(table))
	roles := make([]string, 0, len(table))
	for role := range table {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		stage := Stage(table[role])
		if !stage.Valid() {
			return Visibility{}, fmt.Errorf("visibility: role %q maps to unknown stage %q", role, stage)
		}
		byRole[role] = stage
	}
	return Visibility{
		byRole: byRole,
		seeAll: NewSeeAllRoles(),
	}, nil
}

// NewSeeAllRoles is the set of roles that list every visit regardless of stage.
func NewSeeAllRoles() auth.RoleSet {
	return auth.NewRoleSet(auth.RoleReceptionist, auth.RoleAdmin)
}

// Scope resolves what the actor may list: everything, or one stage. An actor
// with no mapped role is refused.
func (vis Visibility) Scope(actor auth.Actor) (all bool, stage Stage, err error) {
	if actor.HasAny(vis.seeAll) {
		return true, "", nil
	}
	for _, role := range actor.Roles {
		if s, ok := vis.byRole[role]; ok {
			return false, s, nil
		}
	}
	return false, "", apperr.Authorization("no workflow stage for this role")
}
