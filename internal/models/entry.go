package models

// WaitingEntry is one patient's position in a waiting stage. EntryID is
// stable for the lifetime of one waiting episode; an entry sits in at most
// one stage queue at a time.
type WaitingEntry struct {
	EntryID            string `json:"entry_id"`
	PatientID          string `json:"patient_id"`
	PatientName        string `json:"patient_name"`
	TicketCode         string `json:"ticket_code"`
	ArrivalTime        string `json:"arrival_time"`
	Stage              string `json:"stage"`
	PriorityClass      string `json:"priority_class"`
	IsReturnVisit      bool   `json:"is_return_visit"`
	AssignedProviderID string `json:"assigned_provider_id,omitempty"`
}

const (
	StageAwaitingTriage       = "awaiting_triage"
	StageAwaitingConsultation = "awaiting_consultation"
	StageInConsultation       = "in_consultation"
	StageFinalized            = "finalized"
)

const (
	PriorityNormal       = "normal"
	PriorityPreferential = "preferential"
	PriorityHigh         = "high"
)

type DoctorQueues struct {
	Mine    []WaitingEntry `json:"mine"`
	General []WaitingEntry `json:"general"`
}

// TriageVitals are the intake measurements recorded before a consultation.
type TriageVitals struct {
	PatientID     string  `json:"patient_id"`
	BloodPressure string  `json:"blood_pressure"`
	HeartRate     int     `json:"heart_rate"`
	TemperatureC  float64 `json:"temperature_c"`
	WeightKg      float64 `json:"weight_kg"`
	Notes         string  `json:"notes"`
}

type VisitRecord struct {
	VisitID      string `json:"visit_id"`
	Date         string `json:"date"`
	ProviderName string `json:"provider_name"`
	Summary      string `json:"summary"`
}

// ConsultationContext bundles everything a provider needs when picking a
// patient out of the queue.
type ConsultationContext struct {
	ConsultationID string        `json:"consultation_id"`
	Entry          WaitingEntry  `json:"entry"`
	Vitals         TriageVitals  `json:"vitals"`
	History        []VisitRecord `json:"history"`
}
