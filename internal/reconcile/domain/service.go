package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"

	notifdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
)

// Result summarizes what one reconciliation pass did to the domain model.
type Result struct {
	EventID              snowflake.ID
	Outcome              notifdomain.Outcome
	Transition           string
	GatewayStatus        string
	ActivatedEnrollments int
	InstallmentsCreated  int
	ErrorDetail          string
}

// Service drives a stored notification through resolution, gateway fetch
// and the domain state machine. Process is safe to call any number of
// times for the same event; every write it performs is guarded.
type Service interface {
	Process(ctx context.Context, eventID snowflake.ID) (*Result, error)
}
