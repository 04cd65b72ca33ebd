package models

import "time"

// CalledTicket is the panel's notion of "now serving". CallID distinguishes
// identity between polls; an unchanged CallID means no new call happened.
type CalledTicket struct {
	CallID       string    `json:"call_id"`
	TicketCode   string    `json:"ticket_code"`
	StationLabel string    `json:"station_label"`
	ObservedAt   time.Time `json:"observed_at"`
}
