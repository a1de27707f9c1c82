// Package household defines the chore board snapshot that devices exchange.
// The sync core treats snapshots as opaque JSON; this package gives the
// HTTP layer and CLI a typed view of them.
package household

import "time"

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

type Task struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           TaskStatus `json:"status"`
	AssignedTo       string     `json:"assignedTo,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	EstimatedMinutes int        `json:"estimatedMinutes,omitempty"`
	ActualMinutes    int        `json:"actualMinutes,omitempty"`
	IsUrgent         bool       `json:"isUrgent,omitempty"`
	UrgentPrice      float64    `json:"urgentPrice,omitempty"`
	Category         string     `json:"category"`
	ImageURL         string     `json:"imageUrl,omitempty"`
}

type User struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Avatar              string    `json:"avatar,omitempty"`
	TotalCompletedTasks int       `json:"totalCompletedTasks"`
	TotalMinutesWorked  int       `json:"totalMinutesWorked"`
	LastActiveDate      time.Time `json:"lastActiveDate"`
}

type Family struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Members     []User    `json:"members"`
	WorkEndTime string    `json:"workEndTime"` // "HH:MM"
	MonthlyFund float64   `json:"monthlyFund"`
	CreatedAt   time.Time `json:"createdAt"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// UrgentRequest asks the household to pay extra for a task done now.
type UrgentRequest struct {
	ID               string        `json:"id"`
	TaskID           string        `json:"taskId"`
	RequestedBy      string        `json:"requestedBy"`
	EstimatedMinutes int           `json:"estimatedMinutes,omitempty"`
	Price            float64       `json:"price,omitempty"`
	Message          string        `json:"message,omitempty"`
	Status           RequestStatus `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
}

type DailyStats struct {
	Date           string `json:"date"`
	UserID         string `json:"userId"`
	TasksCompleted int    `json:"tasksCompleted"`
	MinutesWorked  int    `json:"minutesWorked"`
	Tasks          []Task `json:"tasks"`
}

// Snapshot is the whole board state. Every save replaces it entirely.
type Snapshot struct {
	Family         Family          `json:"family"`
	Tasks          []Task          `json:"tasks"`
	DailyStats     []DailyStats    `json:"dailyStats"`
	UrgentRequests []UrgentRequest `json:"urgentRequests"`
	LastSyncDate   time.Time       `json:"lastSyncDate"`
}
