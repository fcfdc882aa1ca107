// Package record defines the continuous task record, the unit of state the
// broker tracks per granted background execution right.
package record

import (
	"fmt"
	"strings"

	"github.com/basket/bgtaskd/internal/bgmode"
)

// NoNotification marks a record that has no published notification.
const NoNotification int32 = -1

// Cancel reasons journaled when a grant is retracted. Reasons in the
// app-echoed set are additionally delivered to the owning application.
const (
	CancelUser int32 = iota + 1
	CancelSystem
	CancelDismissNotification
	CancelFreeze
	CancelDataCleared
	CancelAccountRemoved
	CancelCapabilityRevoked
	CancelAppStopped
)

// AppEchoedCancelReason reports whether reason is one of the retraction
// reasons the owning application is told about directly.
func AppEchoedCancelReason(reason int32) bool {
	return reason == CancelDismissNotification || reason == CancelFreeze
}

// Suspend reasons.
const (
	SuspendByFreeze int32 = iota + 1
	SuspendByInactive
)

// WantAgent captures the intent the notification fires when tapped. The
// broker only stores and round-trips it.
type WantAgent struct {
	Bundle  string `json:"bundle,omitempty"`
	Ability string `json:"ability,omitempty"`
}

// ContinuousTaskRecord is the broker's state for one granted task.
type ContinuousTaskRecord struct {
	UID         int32  `json:"uid"`
	PID         int32  `json:"pid"`
	UserID      int32  `json:"userId"`
	Bundle      string `json:"bundleName"`
	AppName     string `json:"appName,omitempty"`
	AbilityName string `json:"abilityName"`
	AbilityID   int32  `json:"abilityId"`
	TokenID     uint64 `json:"tokenId"`
	FullTokenID uint64 `json:"fullTokenId"`

	IsNewAPI   bool `json:"isNewApi"`
	IsBatchAPI bool `json:"isBatchApi"`

	Mode     uint32   `json:"bgModeId"`
	Modes    []uint32 `json:"bgModeIds"`
	SubModes []uint32 `json:"bgSubModeIds,omitempty"`

	FromWebview bool `json:"isFromWebview"`
	FromInner   bool `json:"isFromInner"`

	TaskID            int32  `json:"continuousTaskId"`
	NotificationID    int32  `json:"notificationId"`
	NotificationLabel string `json:"notificationLabel,omitempty"`

	Suspended     bool  `json:"suspendState"`
	SuspendReason int32 `json:"suspendReason,omitempty"`
	CancelReason  int32 `json:"cancelReason,omitempty"`

	Want *WantAgent `json:"wantAgent,omitempty"`
}

// Key returns the map key identifying this record: uid, ability name and
// ability id joined with underscores.
func (r *ContinuousTaskRecord) Key() string {
	return MakeKey(r.UID, r.AbilityName, r.AbilityID)
}

// MakeKey builds a record key from its parts.
func MakeKey(uid int32, abilityName string, abilityID int32) string {
	return fmt.Sprintf("%d_%s_%d", uid, abilityName, abilityID)
}

// ModeMask folds the record's mode list into a bitmask.
func (r *ContinuousTaskRecord) ModeMask() uint32 {
	return bgmode.MaskOf(r.Modes)
}

// HasMode reports whether the record runs under mode m.
func (r *ContinuousTaskRecord) HasMode(m bgmode.Mode) bool {
	return bgmode.Contains(r.Modes, m)
}

// Clone returns a deep copy. Snapshots handed to subscribers and the gateway
// must never alias the live record.
func (r *ContinuousTaskRecord) Clone() *ContinuousTaskRecord {
	cp := *r
	cp.Modes = append([]uint32(nil), r.Modes...)
	cp.SubModes = append([]uint32(nil), r.SubModes...)
	if r.Want != nil {
		w := *r.Want
		cp.Want = &w
	}
	return &cp
}

func (r *ContinuousTaskRecord) String() string {
	parts := make([]string, 0, len(r.Modes))
	for _, m := range r.Modes {
		parts = append(parts, bgmode.Mode(m).String())
	}
	return fmt.Sprintf("task %d key %s modes [%s]", r.TaskID, r.Key(), strings.Join(parts, " "))
}
