package live

import "time"

// Buffer capacities.
const (
	NotificationLimit = 50
	ThreatAlertLimit  = 20
)

// NotificationRecord is an entry of the notification feed.
type NotificationRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Priority  string    `json:"priority,omitempty"`
	IsNew     bool      `json:"is_new"`
}

func (r NotificationRecord) RecordID() string { return r.ID }
func (r NotificationRecord) Unread() bool     { return r.IsNew }

func (r NotificationRecord) MarkedRead() NotificationRecord {
	r.IsNew = false
	return r
}

// ThreatAlertRecord is an entry of the threat-alert feed.
type ThreatAlertRecord struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Priority   string    `json:"priority,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	ThreatType string    `json:"threat_type,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	IsNew      bool      `json:"is_new"`
}

func (r ThreatAlertRecord) RecordID() string { return r.ID }
func (r ThreatAlertRecord) Unread() bool     { return r.IsNew }

func (r ThreatAlertRecord) MarkedRead() ThreatAlertRecord {
	r.IsNew = false
	return r
}
