package audithook

// Audit event actions. Each constant corresponds to one lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobQueued    = "job.queued"
	ActionJobStarted   = "job.started"
	ActionJobCompleted = "job.completed"
	ActionJobFailed    = "job.failed"
)

// CategoryJob groups the job lifecycle actions.
const CategoryJob = "imggo.job"

// ResourceJob is the resource type used in audit events.
const ResourceJob = "job"

// AllActions returns every action this hook can emit.
func AllActions() []string {
	return []string{
		ActionJobQueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
	}
}
