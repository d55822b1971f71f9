package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	notificationdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
	pkgdb "github.com/acsk/AppCheckin-sub006/pkg/db"
)

type repositoryImpl struct{}

// Provide returns the event store repository.
func Provide() notificationdomain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, event *notificationdomain.NotificationEvent) error {
	if event == nil {
		return errors.New("missing_event")
	}
	return db.WithContext(ctx).Create(event).Error
}

func (r *repositoryImpl) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*notificationdomain.NotificationEvent, error) {
	var event notificationdomain.NotificationEvent
	err := db.WithContext(ctx).First(&event, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notificationdomain.ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

func (r *repositoryImpl) FindLatestByExternalObjectID(ctx context.Context, db *gorm.DB, externalObjectID string) (*notificationdomain.NotificationEvent, error) {
	externalObjectID = strings.TrimSpace(externalObjectID)
	if externalObjectID == "" {
		return nil, notificationdomain.ErrEventNotFound
	}

	var event notificationdomain.NotificationEvent
	err := db.WithContext(ctx).
		Where("external_object_id = ?", externalObjectID).
		Order("received_at DESC").
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notificationdomain.ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

func (r *repositoryImpl) UpdateOutcome(ctx context.Context, db *gorm.DB, update notificationdomain.OutcomeUpdate) error {
	if update.ID == 0 {
		return errors.New("missing_event_id")
	}

	values := map[string]any{
		"outcome":      update.Outcome,
		"error_detail": update.ErrorDetail,
		"updated_at":   time.Now().UTC(),
	}
	if update.OrgID != nil {
		values["org_id"] = *update.OrgID
	}
	if update.ResultDetail != nil {
		values["result_detail"] = datatypes.JSONMap(update.ResultDetail)
	}
	if update.ProcessedAt != nil {
		values["processed_at"] = *update.ProcessedAt
	}

	result := db.WithContext(ctx).
		Model(&notificationdomain.NotificationEvent{}).
		Where("id = ?", update.ID).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return notificationdomain.ErrEventNotFound
	}
	return nil
}

func (r *repositoryImpl) List(ctx context.Context, db *gorm.DB, filter notificationdomain.ListFilter) ([]notificationdomain.NotificationEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := db.WithContext(ctx).Model(&notificationdomain.NotificationEvent{})
	if filter.Outcome != "" {
		query = query.Where("outcome = ?", filter.Outcome)
	}
	if token := strings.TrimSpace(filter.CorrelationToken); token != "" {
		query = query.Where("correlation_token = ?", token)
	}
	if filter.ReceivedFrom != nil {
		query = query.Where("received_at >= ?", *filter.ReceivedFrom)
	}
	if filter.ReceivedTo != nil {
		query = query.Where("received_at <= ?", *filter.ReceivedTo)
	}

	var events []notificationdomain.NotificationEvent
	err := query.
		Order("received_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repositoryImpl) LockStalePending(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]notificationdomain.NotificationEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(
		`SELECT *
		 FROM notification_events
		 WHERE outcome = ? AND received_at < ?
		 ORDER BY received_at ASC
		 LIMIT ?
		 %s`,
		pkgdb.SkipLockedClause(db),
	)

	var events []notificationdomain.NotificationEvent
	err := db.WithContext(ctx).Raw(query, notificationdomain.OutcomePending, cutoff, limit).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repositoryImpl) LockSilentFailures(ctx context.Context, db *gorm.DB, limit int) ([]notificationdomain.NotificationEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	transitionField := pkgdb.JSONTextField(db, "result_detail", notificationdomain.ResultKeyTransition)
	activatedField := pkgdb.JSONTextField(db, "result_detail", notificationdomain.ResultKeyActivatedEnrollments)

	query := fmt.Sprintf(
		`SELECT *
		 FROM notification_events
		 WHERE outcome = ?
		   AND %s = ?
		   AND CAST(%s AS INTEGER) = 0
		 ORDER BY received_at ASC
		 LIMIT ?
		 %s`,
		transitionField,
		activatedField,
		pkgdb.SkipLockedClause(db),
	)

	var events []notificationdomain.NotificationEvent
	err := db.WithContext(ctx).Raw(
		query,
		notificationdomain.OutcomeSucceeded,
		notificationdomain.TransitionActivated,
		limit,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
