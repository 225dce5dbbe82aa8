package domain

// ServiceID identifies one of the operation kinds the catalog knows about.
type ServiceID string

const (
	ServiceTransaction ServiceID = "transaction"
	ServiceSchedule    ServiceID = "schedule"
	ServiceQuery       ServiceID = "query"
)

// ServiceIDs is the closed set of operation kinds in catalog order.
var ServiceIDs = []ServiceID{ServiceTransaction, ServiceSchedule, ServiceQuery}

// Known reports whether id belongs to the closed set.
func (id ServiceID) Known() bool {
	for _, known := range ServiceIDs {
		if id == known {
			return true
		}
	}
	return false
}

// RouteDecision is the output of intent classification.
type RouteDecision struct {
	ServiceID       ServiceID      `json:"serviceId"`
	Confidence      float64        `json:"confidence"`
	ExtractedFields map[string]any `json:"extractedFields"`
}
