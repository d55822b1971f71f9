package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingdomain "github.com/acsk/AppCheckin-sub006/internal/billing/domain"
	"github.com/acsk/AppCheckin-sub006/internal/clock"
	"github.com/acsk/AppCheckin-sub006/internal/events"
	"github.com/acsk/AppCheckin-sub006/internal/gateway"
	notifdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
	"github.com/acsk/AppCheckin-sub006/internal/observability/metrics"
	reconciledomain "github.com/acsk/AppCheckin-sub006/internal/reconcile/domain"
	"github.com/acsk/AppCheckin-sub006/internal/resolver"
)

// action is what the gateway status asks of the domain model.
type action int

const (
	actionNone action = iota
	actionActivate
	actionCancel
)

// objectView normalizes a fetched payment or recurring charge.
type objectView struct {
	ID               string
	Status           string
	Amount           int64
	CorrelationToken string
	Metadata         map[string]string
	OccurredAt       *time.Time
}

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	EventRepo   notifdomain.Repository
	BillingRepo billingdomain.Repository
	Gateway     gateway.Client
	Resolver    resolver.Resolver
	Outbox      *events.Outbox
	Metrics     *metrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	events   notifdomain.Repository
	billing  billingdomain.Repository
	gateway  gateway.Client
	resolver resolver.Resolver
	outbox   *events.Outbox
	metrics  *metrics.PipelineMetrics
}

func NewService(p ServiceParam) reconciledomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("reconcile.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		events:   p.EventRepo,
		billing:  p.BillingRepo,
		gateway:  p.Gateway,
		resolver: p.Resolver,
		outbox:   p.Outbox,
		metrics:  p.Metrics,
	}
}

// Process reconciles one stored notification against the gateway's
// authoritative state. Callers may invoke it for the same event any number
// of times; all domain writes are guarded so repeats are no-ops.
func (s *Service) Process(ctx context.Context, eventID snowflake.ID) (*reconciledomain.Result, error) {
	started := s.clock.Now()

	event, err := s.events.FindByID(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}

	result, err := s.process(ctx, event)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncReconcile(string(result.Outcome))
		s.metrics.ObserveReconcile(event.EventType, s.clock.Now().Sub(started))
	}
	return result, nil
}

func (s *Service) process(ctx context.Context, event *notifdomain.NotificationEvent) (*reconciledomain.Result, error) {
	view, err := s.fetchObject(ctx, event)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrUnavailable):
			// Authoritative state unknown; hold the event for replay.
			return s.holdPending(ctx, event, err.Error())
		case errors.Is(err, gateway.ErrObjectNotFound), errors.Is(err, gateway.ErrRequestRejected):
			return s.markFailed(ctx, event, nil, err.Error())
		default:
			return nil, err
		}
	}

	ref, err := s.resolver.Resolve(ctx, resolver.Input{
		CorrelationToken: view.CorrelationToken,
		Metadata:         view.Metadata,
		Recurring:        event.EventType == notifdomain.EventTypeRecurringCharge,
		TenantHint:       event.OrgID,
	})
	if err != nil {
		if resolver.IsUnresolvable(err) {
			return s.markFailed(ctx, event, nil, err.Error())
		}
		return nil, err
	}

	act, known := actionFor(view.Status)
	if !known {
		return s.markFailed(ctx, event, &ref.OrgID, "unknown_gateway_status:"+view.Status)
	}
	if act == actionNone {
		// Not settled yet; record what we saw and let replay revisit.
		return s.holdUnsettled(ctx, event, ref, view)
	}

	result := &reconciledomain.Result{
		EventID:       event.ID,
		Outcome:       notifdomain.OutcomeSucceeded,
		Transition:    notifdomain.TransitionNoop,
		GatewayStatus: view.Status,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		switch ref.Kind {
		case resolver.KindContract:
			txErr = s.reconcileContract(ctx, tx, event, ref, view, act, result)
		case resolver.KindEnrollment:
			txErr = s.reconcileEnrollment(ctx, tx, event, ref, view, act, result)
		case resolver.KindRecurringCharge:
			txErr = s.reconcileRecurringCharge(ctx, tx, event, ref, view, act, result)
		default:
			txErr = fmt.Errorf("%w: kind %q", resolver.ErrUnresolvable, ref.Kind)
		}
		if txErr != nil {
			return txErr
		}

		now := s.clock.Now()
		return s.events.UpdateOutcome(ctx, tx, notifdomain.OutcomeUpdate{
			ID:           event.ID,
			OrgID:        &ref.OrgID,
			Outcome:      notifdomain.OutcomeSucceeded,
			ResultDetail: resultDetail(ref, result),
			ProcessedAt:  &now,
		})
	})
	if err != nil {
		if terminal(err) {
			return s.markFailed(ctx, event, &ref.OrgID, err.Error())
		}
		return nil, err
	}

	s.log.Info("event reconciled",
		zap.Int64("event_id", int64(event.ID)),
		zap.String("entity_type", string(ref.Kind)),
		zap.Int64("entity_id", int64(ref.EntityID)),
		zap.String("gateway_status", view.Status),
		zap.String("transition", result.Transition),
		zap.Int("activated_enrollments", result.ActivatedEnrollments),
	)
	return result, nil
}

func (s *Service) fetchObject(ctx context.Context, event *notifdomain.NotificationEvent) (*objectView, error) {
	switch event.EventType {
	case notifdomain.EventTypePayment:
		payment, err := s.gateway.GetPayment(ctx, event.ExternalObjectID)
		if err != nil {
			return nil, err
		}
		return &objectView{
			ID:               payment.ID,
			Status:           payment.Status,
			Amount:           payment.Amount,
			CorrelationToken: firstNonEmpty(payment.ExternalReference, event.CorrelationToken),
			Metadata:         payment.Metadata,
			OccurredAt:       payment.ApprovedAt,
		}, nil
	case notifdomain.EventTypeRecurringCharge:
		charge, err := s.gateway.GetRecurringCharge(ctx, event.ExternalObjectID)
		if err != nil {
			return nil, err
		}
		return &objectView{
			ID:               charge.ID,
			Status:           charge.Status,
			Amount:           charge.Amount,
			CorrelationToken: firstNonEmpty(charge.ExternalReference, event.CorrelationToken),
			Metadata:         charge.Metadata,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported event type %q", gateway.ErrRequestRejected, event.EventType)
	}
}

func (s *Service) reconcileContract(ctx context.Context, tx *gorm.DB, event *notifdomain.NotificationEvent, ref *resolver.Reference, view *objectView, act action, result *reconciledomain.Result) error {
	contract, err := s.billing.LockContract(ctx, tx, ref.EntityID)
	if err != nil {
		return err
	}
	if contract.OrgID != ref.OrgID {
		return resolver.ErrTenantMismatch
	}
	now := s.clock.Now()

	switch act {
	case actionActivate:
		if contract.Status == billingdomain.ContractStatusCancelled || contract.Status == billingdomain.ContractStatusExpired {
			// Terminal state outranks a late approval.
			return nil
		}
		if contract.Status == billingdomain.ContractStatusPending {
			if err := s.billing.UpdateContractStatus(ctx, tx, contract.ID, billingdomain.ContractStatusActive, now); err != nil {
				return err
			}
			result.Transition = notifdomain.TransitionActivated
			if err := s.publishContract(ctx, tx, events.EventContractActivated, contract, event, view.Status); err != nil {
				return err
			}
		}
		// Fan-out runs even when the contract was already active, so a
		// replay can finish enrollments a crashed pass left behind.
		activated, created, err := s.fanOutActivation(ctx, tx, contract, event, occurredAt(view, event))
		if err != nil {
			return err
		}
		result.ActivatedEnrollments = activated
		result.InstallmentsCreated = created
		if result.Transition == notifdomain.TransitionNoop && activated > 0 {
			result.Transition = notifdomain.TransitionActivated
		}
		return nil

	case actionCancel:
		if contract.Status == billingdomain.ContractStatusCancelled {
			return nil
		}
		if err := s.billing.UpdateContractStatus(ctx, tx, contract.ID, billingdomain.ContractStatusCancelled, now); err != nil {
			return err
		}
		result.Transition = notifdomain.TransitionCancelled
		if err := s.publishContract(ctx, tx, events.EventContractCancelled, contract, event, view.Status); err != nil {
			return err
		}
		return s.cancelEnrollments(ctx, tx, contract, event, now)
	}
	return nil
}

func (s *Service) reconcileEnrollment(ctx context.Context, tx *gorm.DB, event *notifdomain.NotificationEvent, ref *resolver.Reference, view *objectView, act action, result *reconciledomain.Result) error {
	enrollment, err := s.billing.LockEnrollment(ctx, tx, ref.EntityID)
	if err != nil {
		return err
	}
	if enrollment.OrgID != ref.OrgID {
		return resolver.ErrTenantMismatch
	}
	now := s.clock.Now()

	switch act {
	case actionActivate:
		if enrollment.Status == billingdomain.EnrollmentStatusCancelled || enrollment.Status == billingdomain.EnrollmentStatusExpired {
			return nil
		}
		if enrollment.Status == billingdomain.EnrollmentStatusPending {
			if err := s.billing.UpdateEnrollmentStatus(ctx, tx, enrollment.ID, billingdomain.EnrollmentStatusActive, now); err != nil {
				return err
			}
			result.Transition = notifdomain.TransitionActivated
			result.ActivatedEnrollments = 1
			if err := s.publishEnrollment(ctx, tx, events.EventEnrollmentActivated, enrollment, event); err != nil {
				return err
			}
		}
		created, err := s.recordPaidInstallment(ctx, tx, enrollment, nil, view.Amount, event, occurredAt(view, event))
		if err != nil {
			return err
		}
		result.InstallmentsCreated = created
		return nil

	case actionCancel:
		if enrollment.Status == billingdomain.EnrollmentStatusCancelled {
			return nil
		}
		if err := s.billing.UpdateEnrollmentStatus(ctx, tx, enrollment.ID, billingdomain.EnrollmentStatusCancelled, now); err != nil {
			return err
		}
		result.Transition = notifdomain.TransitionCancelled
		return s.publishEnrollment(ctx, tx, events.EventEnrollmentCancelled, enrollment, event)
	}
	return nil
}

// reconcileRecurringCharge handles gateway subscriptions. ref.EntityID is
// the enrollment the subscription pays for.
func (s *Service) reconcileRecurringCharge(ctx context.Context, tx *gorm.DB, event *notifdomain.NotificationEvent, ref *resolver.Reference, view *objectView, act action, result *reconciledomain.Result) error {
	enrollment, err := s.billing.LockEnrollment(ctx, tx, ref.EntityID)
	if err != nil {
		return err
	}
	if enrollment.OrgID != ref.OrgID {
		return resolver.ErrTenantMismatch
	}
	now := s.clock.Now()

	status := billingdomain.RecurringChargeStatusActive
	if act == actionCancel {
		status = billingdomain.RecurringChargeStatusCancelled
	}
	externalID := view.ID
	charge := &billingdomain.RecurringCharge{
		ID:           s.genID.Generate(),
		OrgID:        enrollment.OrgID,
		EnrollmentID: enrollment.ID,
		ExternalID:   &externalID,
		Amount:       view.Amount,
		Status:       status,
		UpdatedAt:    now,
	}
	if status == billingdomain.RecurringChargeStatusActive {
		charge.ActivatedAt = &now
	}
	if err := s.billing.UpsertRecurringCharge(ctx, tx, charge); err != nil {
		return err
	}

	switch act {
	case actionActivate:
		if enrollment.Status == billingdomain.EnrollmentStatusPending {
			if err := s.billing.UpdateEnrollmentStatus(ctx, tx, enrollment.ID, billingdomain.EnrollmentStatusActive, now); err != nil {
				return err
			}
			result.ActivatedEnrollments = 1
			if err := s.publishEnrollment(ctx, tx, events.EventEnrollmentActivated, enrollment, event); err != nil {
				return err
			}
		}

		// The contract remembers which gateway subscription pays for it;
		// the link is set once and never re-pointed.
		contract, err := s.billing.LockContract(ctx, tx, enrollment.ContractID)
		if err != nil {
			return err
		}
		alreadyLinked := contract.LinkedRecurringChargeID != nil && *contract.LinkedRecurringChargeID == externalID
		if err := s.billing.LinkRecurringCharge(ctx, tx, contract.ID, externalID, now); err != nil {
			return err
		}
		result.Transition = notifdomain.TransitionLinked
		if !alreadyLinked {
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				OrgID: enrollment.OrgID,
				Type:  events.EventRecurringChargeLinked,
				Payload: map[string]any{
					"contract_id":           contract.ID.String(),
					"enrollment_id":         enrollment.ID.String(),
					"recurring_charge_id":   externalID,
					"notification_event_id": event.ID.String(),
				},
				DedupeKey: events.EventRecurringChargeLinked + ":" + contract.ID.String(),
			}); err != nil {
				return err
			}
		}

		// A paid subscription cycle materializes as a paid installment.
		if event.EventType == notifdomain.EventTypePayment && view.Amount > 0 {
			created, err := s.recordPaidInstallment(ctx, tx, enrollment, &charge.ID, view.Amount, event, occurredAt(view, event))
			if err != nil {
				return err
			}
			result.InstallmentsCreated = created
		}
		return nil

	case actionCancel:
		if enrollment.Status == billingdomain.EnrollmentStatusCancelled {
			result.Transition = notifdomain.TransitionNoop
			return nil
		}
		if err := s.billing.UpdateEnrollmentStatus(ctx, tx, enrollment.ID, billingdomain.EnrollmentStatusCancelled, now); err != nil {
			return err
		}
		result.Transition = notifdomain.TransitionCancelled
		return s.publishEnrollment(ctx, tx, events.EventEnrollmentCancelled, enrollment, event)
	}
	return nil
}

func (s *Service) cancelEnrollments(ctx context.Context, tx *gorm.DB, contract *billingdomain.BillingContract, event *notifdomain.NotificationEvent, now time.Time) error {
	enrollments, err := s.billing.ListEnrollmentsByContract(ctx, tx, contract.ID)
	if err != nil {
		return err
	}
	for i := range enrollments {
		enrollment := &enrollments[i]
		if enrollment.Status == billingdomain.EnrollmentStatusCancelled {
			continue
		}
		if err := s.billing.UpdateEnrollmentStatus(ctx, tx, enrollment.ID, billingdomain.EnrollmentStatusCancelled, now); err != nil {
			return err
		}
		if err := s.publishEnrollment(ctx, tx, events.EventEnrollmentCancelled, enrollment, event); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) holdPending(ctx context.Context, event *notifdomain.NotificationEvent, detail string) (*reconciledomain.Result, error) {
	err := s.events.UpdateOutcome(ctx, s.db, notifdomain.OutcomeUpdate{
		ID:          event.ID,
		OrgID:       event.OrgID,
		Outcome:     notifdomain.OutcomePending,
		ErrorDetail: &detail,
	})
	if err != nil {
		return nil, err
	}
	return &reconciledomain.Result{
		EventID:     event.ID,
		Outcome:     notifdomain.OutcomePending,
		Transition:  notifdomain.TransitionNone,
		ErrorDetail: detail,
	}, nil
}

// holdUnsettled records the gateway status seen but keeps the event
// pending. A later webhook or replay picks it up once the object settles.
func (s *Service) holdUnsettled(ctx context.Context, event *notifdomain.NotificationEvent, ref *resolver.Reference, view *objectView) (*reconciledomain.Result, error) {
	result := &reconciledomain.Result{
		EventID:       event.ID,
		Outcome:       notifdomain.OutcomePending,
		Transition:    notifdomain.TransitionNone,
		GatewayStatus: view.Status,
	}
	err := s.events.UpdateOutcome(ctx, s.db, notifdomain.OutcomeUpdate{
		ID:           event.ID,
		OrgID:        &ref.OrgID,
		Outcome:      notifdomain.OutcomePending,
		ResultDetail: resultDetail(ref, result),
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) markFailed(ctx context.Context, event *notifdomain.NotificationEvent, orgID *snowflake.ID, detail string) (*reconciledomain.Result, error) {
	if orgID == nil {
		orgID = event.OrgID
	}
	now := s.clock.Now()
	err := s.events.UpdateOutcome(ctx, s.db, notifdomain.OutcomeUpdate{
		ID:          event.ID,
		OrgID:       orgID,
		Outcome:     notifdomain.OutcomeFailed,
		ErrorDetail: &detail,
		ProcessedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if orgID != nil {
		if err := s.outbox.Publish(ctx, events.Event{
			OrgID: *orgID,
			Type:  events.EventReconciliationRejected,
			Payload: map[string]any{
				"notification_event_id": event.ID.String(),
				"error_detail":          detail,
			},
			DedupeKey: events.EventReconciliationRejected + ":" + event.ID.String(),
		}); err != nil {
			s.log.Warn("publish rejection event", zap.Error(err))
		}
	}
	s.log.Warn("event reconciliation failed",
		zap.Int64("event_id", int64(event.ID)),
		zap.String("error_detail", detail),
	)
	return &reconciledomain.Result{
		EventID:     event.ID,
		Outcome:     notifdomain.OutcomeFailed,
		Transition:  notifdomain.TransitionNone,
		ErrorDetail: detail,
	}, nil
}

func (s *Service) publishContract(ctx context.Context, tx *gorm.DB, eventType string, contract *billingdomain.BillingContract, event *notifdomain.NotificationEvent, gatewayStatus string) error {
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID: contract.OrgID,
		Type:  eventType,
		Payload: events.ContractPayload{
			ContractID:          contract.ID.String(),
			NotificationEventID: event.ID.String(),
			GatewayStatus:       gatewayStatus,
		}.ToMap(),
		DedupeKey: eventType + ":" + contract.ID.String(),
	})
}

func (s *Service) publishEnrollment(ctx context.Context, tx *gorm.DB, eventType string, enrollment *billingdomain.Enrollment, event *notifdomain.NotificationEvent) error {
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID: enrollment.OrgID,
		Type:  eventType,
		Payload: events.EnrollmentPayload{
			EnrollmentID:        enrollment.ID.String(),
			ContractID:          enrollment.ContractID.String(),
			NotificationEventID: event.ID.String(),
		}.ToMap(),
		DedupeKey: eventType + ":" + enrollment.ID.String(),
	})
}

func actionFor(status string) (action, bool) {
	switch status {
	case gateway.StatusApproved:
		return actionActivate, true
	case gateway.StatusPending, gateway.StatusInProcess:
		return actionNone, true
	case gateway.StatusRejected, gateway.StatusCancelled:
		return actionCancel, true
	default:
		return actionNone, false
	}
}

// terminal reports whether a transaction error is a business rejection
// rather than a transient fault worth retrying.
func terminal(err error) bool {
	return errors.Is(err, billingdomain.ErrConflictingLink) ||
		errors.Is(err, billingdomain.ErrContractNotFound) ||
		errors.Is(err, billingdomain.ErrEnrollmentNotFound) ||
		errors.Is(err, resolver.ErrTenantMismatch) ||
		resolver.IsUnresolvable(err)
}

func resultDetail(ref *resolver.Reference, result *reconciledomain.Result) map[string]any {
	return map[string]any{
		notifdomain.ResultKeyEntityType:           string(ref.Kind),
		notifdomain.ResultKeyEntityID:             ref.EntityID.String(),
		notifdomain.ResultKeyTransition:           result.Transition,
		notifdomain.ResultKeyGatewayStatus:        result.GatewayStatus,
		notifdomain.ResultKeyActivatedEnrollments: strconv.Itoa(result.ActivatedEnrollments),
		notifdomain.ResultKeyInstallmentsCreated:  strconv.Itoa(result.InstallmentsCreated),
	}
}

// occurredAt anchors installment due dates. When the gateway object carries
// no settlement timestamp, the event's receipt time stands in: it is stable
// across replays, where the wall clock is not.
func occurredAt(view *objectView, event *notifdomain.NotificationEvent) time.Time {
	if view.OccurredAt != nil {
		return *view.OccurredAt
	}
	return event.ReceivedAt
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
