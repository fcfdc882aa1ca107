package bgmode

import (
	"github.com/basket/bgtaskd/internal/bgtask"
	"github.com/basket/bgtaskd/internal/identity"
)

// Permission names checked during mode validation.
const (
	PermKeepBackgroundRunning = "permission.KEEP_BACKGROUND_RUNNING"
	PermTaskKeepingACL        = "permission.BACKGROUND_TASK_KEEPING"
)

// Policy exposes the slice of broker policy the validator consults.
type Policy interface {
	TaskKeepingEnabled() bool
	TaskKeepingExempted(bundle string) bool
}

// PermissionChecker verifies a named permission against a caller token.
type PermissionChecker interface {
	Verify(tokenID uint64, permission string) bool
}

// Validator applies the mode admission rules.
type Validator struct {
	Policy Policy
	Perms  PermissionChecker
}

// CheckPermission verifies the caller token holds the background running
// permission every start and update must carry. Absent a checker nothing is
// granted.
func (v *Validator) CheckPermission(caller identity.Caller) error {
	if v.Perms == nil || !v.Perms.Verify(caller.TokenID, PermKeepBackgroundRunning) {
		return bgtask.ErrPermissionDenied
	}
	return nil
}

// CheckStart validates one requested mode against the bundle's declared mode
// mask. Legacy callers (isNewAPI false) only need any declaration at all; new
// API callers must have declared the exact mode and pass the per-mode gates.
func (v *Validator) CheckStart(declaredMask uint32, mode Mode, isNewAPI bool, caller identity.Caller) error {
	if !isNewAPI {
		if declaredMask == 0 {
			return bgtask.ErrBgModeNull
		}
		return nil
	}
	if !mode.Valid() {
		return bgtask.ErrBgModeInvalid
	}
	if mode == WifiInteraction && !caller.IsSystemApp() {
		return bgtask.ErrNotSystemApp
	}
	if mode == TaskKeeping && !v.allowTaskKeeping(caller) {
		return bgtask.ErrKeepingTaskDenied
	}
	if declaredMask&mode.Bit() == 0 {
		return bgtask.ErrBgModeInvalid
	}
	return nil
}

// CheckInner validates a mode requested over the privileged inner surface.
// Inner callers carry no bundle declaration, so only the id range applies.
func (v *Validator) CheckInner(mode Mode) error {
	if !mode.Valid() {
		return bgtask.ErrBgModeInvalid
	}
	return nil
}

// CheckSubModes validates the sub-mode list against the mode list. Sub-modes
// refine a primary mode, so each must have its carrier mode present.
func (v *Validator) CheckSubModes(modes, subModes []uint32) error {
	for _, sub := range subModes {
		switch sub {
		case SubModeCarKey:
			if !Contains(modes, BluetoothInteraction) {
				return bgtask.ErrCheckTaskParam
			}
		default:
			return bgtask.ErrCheckTaskParam
		}
	}
	return nil
}

// allowTaskKeeping decides the task-keeping gate: a global capability switch,
// a per-bundle exemption, or an ACL grant for ordinary applications. System
// applications never enter through the ACL path.
func (v *Validator) allowTaskKeeping(caller identity.Caller) bool {
	if v.Policy != nil && v.Policy.TaskKeepingEnabled() {
		return true
	}
	if v.Policy != nil && v.Policy.TaskKeepingExempted(caller.Bundle) {
		return true
	}
	if v.Perms != nil && v.Perms.Verify(caller.TokenID, PermTaskKeepingACL) {
		return !caller.IsSystemApp()
	}
	return false
}
