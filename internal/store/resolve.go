package store

import "scene-pipeline/internal/models"

// statusRank orders job statuses for conflict resolution. Terminal, fuller
// states outrank transient ones.
func statusRank(status string) int {
	switch status {
	case models.StatusCompleted:
		return 4
	case models.StatusPartial:
		return 3
	case models.StatusFailed:
		return 2
	case models.StatusInProgress:
		return 1
	default:
		return 0
	}
}

// remoteWins decides a two-copy conflict: status precedence first, then
// strictly more accumulated scenes, then the more recent update. The local
// copy wins exact ties.
func remoteWins(local, remote models.Job) bool {
	lr, rr := statusRank(local.Status), statusRank(remote.Status)
	if lr != rr {
		return rr > lr
	}
	if len(local.Scenes) != len(remote.Scenes) {
		return len(remote.Scenes) > len(local.Scenes)
	}
	return remote.UpdatedAt.After(local.UpdatedAt)
}

// Resolve picks the winning copy when both tiers hold a record for the same
// id. Pure; invoked only at read time. The losing copy is never deleted here;
// the next write propagates the winner.
func Resolve(local, remote models.Job) models.Job {
	if remoteWins(local, remote) {
		return remote
	}
	return local
}
