package state

import "strings"

// Persisted state layout: one record per entity and per environment, addressed
// by (project, environment, kind, id). Lock records live adjacent to the
// record they cover, under the same key with a ".lock" suffix.

// LockSuffix is appended to a scope key to address its lock record.
const LockSuffix = ".lock"

// EnvironmentKey addresses an environment record.
func EnvironmentKey(project, environment string) string {
	return project + "/" + environment + "/environment"
}

// EntityKey addresses one entity record.
func EntityKey(project, environment, kind, id string) string {
	return project + "/" + environment + "/entities/" + kind + "/" + id
}

// EntitiesPrefix lists every entity in an environment.
func EntitiesPrefix(project, environment string) string {
	return project + "/" + environment + "/entities/"
}

// EnvironmentsPrefix lists every record in a project; callers filter for
// environment records.
func EnvironmentsPrefix(project string) string {
	return project + "/"
}

// LockKey addresses the lock record adjacent to a scope key.
func LockKey(scope string) string {
	return scope + LockSuffix
}

// IsLockKey reports whether a key addresses a lock record.
func IsLockKey(key string) bool {
	return strings.HasSuffix(key, LockSuffix)
}

// IsEnvironmentKey reports whether a key addresses an environment record.
func IsEnvironmentKey(key string) bool {
	return strings.HasSuffix(key, "/environment")
}
