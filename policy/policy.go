// Package policy decides what an identified user may do.
//
// The rules are owner-or-admin for modifying icons and comments and
// "any signed-in user" for commenting, venerating and uploading. Moderation
// rank capability flags are not consulted by these rules; deployments that
// want rank-based restrictions plug a RankHook into Policy.
package policy

import (
	"iconostasis/common"
	"iconostasis/models"
)

type Action string

const (
	ActionUpload        Action = "icon:upload"
	ActionEditIcon      Action = "icon:edit"
	ActionDeleteIcon    Action = "icon:delete"
	ActionComment       Action = "comment:create"
	ActionDeleteComment Action = "comment:delete"
	ActionVenerate      Action = "icon:venerate"
	ActionManageRanks   Action = "rank:assign"
)

// RankHook is consulted after the base rules allow an action. Returning
// false denies it.
type RankHook func(actor *models.User, action Action) bool

var (
	ErrLoginRequired = common.NewError(common.ErrUnauthorized, "Login required")
	ErrNotAuthorized = common.NewError(common.ErrForbidden, "Not authorized")
)

type Policy struct {
	hook RankHook
}

func New(hook RankHook) *Policy {
	return &Policy{hook: hook}
}

func IsAdmin(actor *models.User) bool {
	return actor != nil && actor.ModRank.IsAdmin
}

// CanModify is true iff actor is signed in and owns the resource or is an
// admin.
func CanModify(actor *models.User, ownerID uint, actorIsAdmin bool) bool {
	if actor == nil {
		return false
	}
	return actor.ID == ownerID || actorIsAdmin
}

func CanComment(actor *models.User) bool { return actor != nil }

func CanVenerate(actor *models.User) bool { return actor != nil }

// Modify checks an action on a resource owned by ownerID.
func (p *Policy) Modify(actor *models.User, ownerID uint, action Action) error {
	if actor == nil {
		return ErrLoginRequired
	}
	if !CanModify(actor, ownerID, IsAdmin(actor)) {
		return ErrNotAuthorized
	}
	return p.ranked(actor, action)
}

// Member checks an action open to every signed-in user.
func (p *Policy) Member(actor *models.User, action Action) error {
	if actor == nil {
		return ErrLoginRequired
	}
	return p.ranked(actor, action)
}

// Admin checks an action reserved to administrators.
func (p *Policy) Admin(actor *models.User, action Action) error {
	if actor == nil {
		return ErrLoginRequired
	}
	if !IsAdmin(actor) {
		return ErrNotAuthorized
	}
	return p.ranked(actor, action)
}

func (p *Policy) ranked(actor *models.User, action Action) error {
	if p == nil || p.hook == nil {
		return nil
	}
	if !p.hook(actor, action) {
		return ErrNotAuthorized
	}
	return nil
}
