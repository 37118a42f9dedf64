package models

import "time"

// Meeting is a call booked between the owner and a lead.
type Meeting struct {
	ID          int64     `json:"id"`
	LeadID      int64     `json:"lead_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`
}
