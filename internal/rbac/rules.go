package rbac

const (
	RoleParticipant = "participant"
	RoleInstructor  = "instructor"
	RoleAdmin       = "admin"
	RoleSuperAdmin  = "super_admin"
)

const (
	PermSessionStart  = "session:start"
	PermSessionAct    = "session:act"
	PermSessionSubmit = "session:submit"
	PermRetakeCheck   = "retake:check"
	PermAccessRequest = "access:request"
	// PermBypassAccess skips pool and grant checks and delivers every question
	// of the test type.
	PermBypassAccess  = "access:bypass"
	PermSyncRun       = "sync:run"
	PermSubmissionAll = "submission:view-all"
)

// RolePermissions is the default policy.
var RolePermissions = map[string][]string{
	RoleParticipant: {
		PermSessionStart,
		PermSessionAct,
		PermSessionSubmit,
		PermRetakeCheck,
		PermAccessRequest,
	},
	RoleInstructor: {
		"session:*",
		PermRetakeCheck,
		PermBypassAccess,
		PermSubmissionAll,
	},
	RoleAdmin: {
		"session:*",
		"access:*",
		PermRetakeCheck,
		PermSyncRun,
		PermSubmissionAll,
	},
	RoleSuperAdmin: {
		"*",
	},
}
