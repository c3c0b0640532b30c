package statemachine

import "strings"

// Default is the lifecycle of a regular entry:
// none -> installed -> stopped -> running and back.
var Default = MustNew("default", map[string][]Transition{
	NoState: {
		{Action: ActionInstall, To: StateInstalled},
	},
	StateInstalled: {
		{Action: ActionConfigure, To: StateStopped},
		{Action: ActionUninstall, To: NoState},
	},
	StateStopped: {
		{Action: ActionStart, To: StateRunning},
		{Action: ActionUnconfigure, To: StateInstalled},
	},
	StateRunning: {
		{Action: ActionStop, To: StateStopped},
	},
})

// SelfUpgrade is the lifecycle used when an agent upgrades itself.
var SelfUpgrade = MustNew("selfUpgrade", map[string][]Transition{
	NoState: {
		{Action: ActionInstall, To: StateInstalled},
	},
	StateInstalled: {
		{Action: ActionPrepare, To: StatePrepared},
		{Action: ActionUninstall, To: NoState},
	},
	StatePrepared: {
		{Action: ActionCommit, To: StateUpgraded},
		{Action: ActionRollback, To: StateInstalled},
	},
	StateUpgraded: {
		{Action: ActionUninstall, To: NoState},
	},
})

// ForMountPoint selects the lifecycle that applies to a mount point.
func ForMountPoint(mountPoint string) *StateMachine {
	if strings.HasPrefix(mountPoint, SelfUpgradeMountPoint) {
		return SelfUpgrade
	}
	return Default
}
