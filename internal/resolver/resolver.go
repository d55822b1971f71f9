package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/acsk/AppCheckin-sub006/internal/cache"
)

// Kind identifies which domain entity a gateway object points back to.
type Kind string

const (
	KindContract        Kind = "contract"
	KindEnrollment      Kind = "enrollment"
	KindRecurringCharge Kind = "recurring_charge"
)

// Correlation token prefixes, as minted when checkout objects are created.
// Token shape: <PREFIX>-<entity id>-<unix ts>.
var kindByPrefix = map[string]Kind{
	"CONTRACT": KindContract,
	"ENROLL":   KindEnrollment,
	"SUB":      KindRecurringCharge,
}

var metadataKeyByKind = map[Kind]string{
	KindContract:        "contract_id",
	KindEnrollment:      "enrollment_id",
	KindRecurringCharge: "enrollment_id",
}

// Metadata keys a gateway object may carry to claim its tenant. Any value
// present must match the resolved entity's owner.
var tenantMetadataKeys = []string{"org_id", "tenant_id"}

var (
	// ErrUnresolvable means neither metadata nor the correlation token
	// yields a known entity. Terminal for the event; replay will not help.
	ErrUnresolvable = errors.New("reference_unresolvable")
	// ErrTenantMismatch means the resolved entity belongs to a different
	// organization than the event claims.
	ErrTenantMismatch = errors.New("tenant_mismatch")
)

// IsUnresolvable reports whether err is a terminal resolution failure,
// as opposed to a transient lookup error.
func IsUnresolvable(err error) bool {
	return errors.Is(err, ErrUnresolvable) || errors.Is(err, ErrTenantMismatch)
}

// Reference is a fully resolved pointer from a gateway object into the
// domain model, scoped to its owning organization.
type Reference struct {
	OrgID    snowflake.ID
	Kind     Kind
	EntityID snowflake.ID
}

// Input carries everything a gateway object offers for resolution.
// Metadata wins over the correlation token when both are present.
type Input struct {
	CorrelationToken string
	Metadata         map[string]string
	// Recurring marks the object as a gateway subscription, whose
	// enrollment_id metadata names the charge rather than a bare
	// enrollment.
	Recurring bool
	// TenantHint is the org id the notification event was recorded under,
	// when known. Both it and any tenant claim in the metadata must match
	// the resolved entity's owner; resolution fails rather than crossing
	// tenants.
	TenantHint *snowflake.ID
}

// Resolver maps gateway-side references onto owned domain entities.
type Resolver interface {
	Resolve(ctx context.Context, in Input) (*Reference, error)
}

type ownerKey struct {
	kind Kind
	id   snowflake.ID
}

type dbResolver struct {
	db     *gorm.DB
	owners cache.Cache[ownerKey, snowflake.ID]
	ttl    time.Duration
	log    *zap.Logger
}

// New builds a Resolver backed by the domain tables, with a TTL cache in
// front of the entity ownership lookups.
func New(db *gorm.DB, log *zap.Logger) Resolver {
	return &dbResolver{
		db:     db,
		owners: cache.NewTTLCache[ownerKey, snowflake.ID](),
		ttl:    5 * time.Minute,
		log:    log.Named("resolver"),
	}
}

func (r *dbResolver) Resolve(ctx context.Context, in Input) (*Reference, error) {
	kind, entityID, err := r.identify(in)
	if err != nil {
		return nil, err
	}

	orgID, err := r.ownerOf(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}

	hints, err := tenantHints(in)
	if err != nil {
		return nil, err
	}
	for _, hint := range hints {
		if hint != orgID {
			r.log.Warn("reference crosses tenants",
				zap.String("kind", string(kind)),
				zap.Int64("entity_id", int64(entityID)),
				zap.Int64("hint_org_id", int64(hint)),
				zap.Int64("owner_org_id", int64(orgID)),
			)
			return nil, ErrTenantMismatch
		}
	}

	return &Reference{OrgID: orgID, Kind: kind, EntityID: entityID}, nil
}

// tenantHints collects every tenant claim the input makes: the org the
// event was stored under plus any org_id/tenant_id metadata on the gateway
// object itself.
func tenantHints(in Input) ([]snowflake.ID, error) {
	var hints []snowflake.ID
	if in.TenantHint != nil {
		hints = append(hints, *in.TenantHint)
	}
	for _, key := range tenantMetadataKeys {
		raw, ok := in.Metadata[key]
		if !ok || raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: metadata %s=%q", ErrUnresolvable, key, raw)
		}
		hints = append(hints, snowflake.ID(id))
	}
	return hints, nil
}

// identify extracts kind and entity id, preferring structured metadata
// over the correlation token.
func (r *dbResolver) identify(in Input) (Kind, snowflake.ID, error) {
	kinds := []Kind{KindContract, KindEnrollment}
	if in.Recurring {
		kinds = []Kind{KindRecurringCharge, KindContract}
	}
	for _, kind := range kinds {
		raw, ok := in.Metadata[metadataKeyByKind[kind]]
		if !ok || raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("%w: metadata %s=%q", ErrUnresolvable, metadataKeyByKind[kind], raw)
		}
		return kind, snowflake.ID(id), nil
	}
	return ParseToken(in.CorrelationToken)
}

// ParseToken decodes a correlation token of the form <PREFIX>-<id>-<ts>.
func ParseToken(token string) (Kind, snowflake.ID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", 0, fmt.Errorf("%w: empty correlation token", ErrUnresolvable)
	}
	parts := strings.Split(token, "-")
	if len(parts) != 3 {
		return "", 0, fmt.Errorf("%w: malformed correlation token", ErrUnresolvable)
	}
	kind, ok := kindByPrefix[strings.ToUpper(parts[0])]
	if !ok {
		return "", 0, fmt.Errorf("%w: unknown token prefix %q", ErrUnresolvable, parts[0])
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("%w: bad entity id in token", ErrUnresolvable)
	}
	return kind, snowflake.ID(id), nil
}

func (r *dbResolver) ownerOf(ctx context.Context, kind Kind, entityID snowflake.ID) (snowflake.ID, error) {
	key := ownerKey{kind: kind, id: entityID}
	if orgID, ok := r.owners.Get(key); ok {
		return orgID, nil
	}

	var table string
	switch kind {
	case KindContract:
		table = "billing_contracts"
	case KindEnrollment, KindRecurringCharge:
		table = "enrollments"
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrUnresolvable, kind)
	}

	var orgID snowflake.ID
	err := r.db.WithContext(ctx).
		Raw(fmt.Sprintf(`SELECT org_id FROM %s WHERE id = ?`, table), int64(entityID)).
		Scan(&orgID).Error
	if err != nil {
		return 0, err
	}
	if orgID == 0 {
		return 0, fmt.Errorf("%w: no %s with id %d", ErrUnresolvable, kind, entityID)
	}

	r.owners.Set(key, orgID, r.ttl)
	return orgID, nil
}

var Module = fx.Module("resolver",
	fx.Provide(New),
)
