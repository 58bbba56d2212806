package models

import "time"

// TaskStatus is the lifecycle state of a crawl task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSaving    TaskStatus = "saving"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// NavState is the tagged navigation state of one browser session.
type NavState string

const (
	NavIdle            NavState = "idle"
	NavNavigating      NavState = "navigating"
	NavContentReady    NavState = "content_ready"
	NavCaptchaDetected NavState = "captcha_detected"
	NavBlockedRedirect NavState = "blocked_redirect"
	NavTimedOut        NavState = "timed_out"
	NavError           NavState = "error"
)

// SearchParams are the constraints a crawl is triggered with.
type SearchParams struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	YearFrom     int    `json:"year_from,omitempty"`
	YearTo       int    `json:"year_to,omitempty"`
	PriceFrom    int    `json:"price_from,omitempty"`
	PriceTo      int    `json:"price_to,omitempty"`
	KmFrom       int    `json:"km_from,omitempty"`
	KmTo         int    `json:"km_to,omitempty"`
	Location     string `json:"location,omitempty"`
	MaxPages     int    `json:"max_pages,omitempty"`
}

// TaskCounts are the per-run counters reported by the status interface.
type TaskCounts struct {
	PagesVisited int            `json:"pages_visited"`
	PagesFailed  int            `json:"pages_failed"`
	TotalSeen    int            `json:"total_seen"`
	Skipped      int            `json:"skipped"`
	Created      int            `json:"created"`
	Updated      int            `json:"updated"`
	Unchanged    int            `json:"unchanged"`
	Rejected     int            `json:"rejected"`
	RejectedBy   map[string]int `json:"rejected_by,omitempty"`
	Errors       int            `json:"errors"`
}

// CrawlTask is a snapshot of one crawl run.
type CrawlTask struct {
	ID        string       `json:"task_id"`
	Source    string       `json:"source"`
	Status    TaskStatus   `json:"status"`
	NavState  NavState     `json:"nav_state"`
	Params    SearchParams `json:"params"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Counts    TaskCounts   `json:"counts"`
	Error     string       `json:"error,omitempty"`
	ErrorType string       `json:"error_type,omitempty"`
}
