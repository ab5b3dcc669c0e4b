package eventbus

// Event types published by the session manager and the scheduler.
const (
	AccountLoggedIn  = "account.logged_in"
	AccountLoggedOut = "account.logged_out"
	AccountChallenge = "account.challenge_required"
	AccountBanned    = "account.banned"

	JobScheduled = "job.scheduled"
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobCancelled = "job.cancelled"

	ConfigReloaded = "config.reloaded"
)

// AccountEvent is the Data of account.* events.
type AccountEvent struct {
	AccountID int64
	Username  string
	State     string
	Message   string
}

// JobEvent is the Data of job.* events.
type JobEvent struct {
	JobID      string
	ParentID   string
	AccountID  int64
	Kind       string
	State      string
	ErrorClass string
	Error      string
	Retryable  bool
}
