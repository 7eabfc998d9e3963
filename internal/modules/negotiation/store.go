// README: Negotiation store backed by PostgreSQL; transactions lock the service row.
package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"freight/internal/types"
)

const uniqueViolation = "23505"

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetService(ctx context.Context, id types.ID) (*Service, error) {
	return getService(ctx, s.db, id, false)
}

func (s *Store) ListServices(ctx context.Context, f ServiceFilter) ([]Service, error) {
	// nil means no id filter; an empty slice must match nothing.
	var ids []string
	if f.IDs != nil {
		ids = make([]string, 0, len(f.IDs))
	}
	for _, id := range f.IDs {
		ids = append(ids, string(id))
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+serviceColumns+`
		FROM services
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR created_by = $2)
		  AND ($3::text[] IS NULL OR id = ANY($3))
		ORDER BY created_at DESC, id`,
		string(f.Status), string(f.CreatedBy), ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *svc)
	}
	return out, rows.Err()
}

func (s *Store) ListOffers(ctx context.Context, serviceID types.ID) ([]Offer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, service_id, driver_id, kind, price_cents, currency, message, status, created_at
		FROM offers
		WHERE service_id = $1
		ORDER BY created_at, id`, string(serviceID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *Store) LatestAssignmentByDriver(ctx context.Context, driverID types.ID) (*Assignment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, service_id, driver_id, accepted_offer_id, accepted_at
		FROM assignments
		WHERE driver_id = $1
		ORDER BY accepted_at DESC
		LIMIT 1`, string(driverID),
	)
	return scanAssignment(row)
}

// Events returns the status trail of a service, oldest first.
func (s *Store) Events(ctx context.Context, serviceID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, service_id, from_status, to_status, actor_id, reason, created_at
		FROM service_state_events
		WHERE service_id = $1
		ORDER BY id`, string(serviceID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e     Event
			actor *string
		)
		if err := rows.Scan(&e.ID, &e.ServiceID, &e.FromStatus, &e.ToStatus, &actor, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actor != nil {
			id := types.ID(*actor)
			e.ActorID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type pgTx struct {
	q querier
}

func (t *pgTx) LockService(ctx context.Context, id types.ID) (*Service, error) {
	return getService(ctx, t.q, id, true)
}

func (t *pgTx) InsertService(ctx context.Context, svc *Service) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO services (
			id, created_by, title, description, service_type,
			origin_address, origin_lat, origin_lng,
			dest_address, dest_lat, dest_lng,
			pickup_start, pickup_end, delivery_start, delivery_end,
			price_cents, currency, status, status_version, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		string(svc.ID), string(svc.CreatedBy), svc.Title, svc.Description, svc.ServiceType,
		svc.OriginAddress, svc.Origin.Lat, svc.Origin.Lng,
		svc.DestAddress, svc.Dest.Lat, svc.Dest.Lng,
		svc.PickupWindow.Start, svc.PickupWindow.End, svc.DeliveryWindow.Start, svc.DeliveryWindow.End,
		svc.OfferedPrice.Amount, svc.OfferedPrice.Currency, string(svc.Status), svc.StatusVersion, svc.CreatedAt,
	)
	return err
}

func (t *pgTx) UpdateServiceContent(ctx context.Context, svc *Service) error {
	_, err := t.q.Exec(ctx, `
		UPDATE services
		SET title = $2, description = $3, price_cents = $4, currency = $5
		WHERE id = $1`,
		string(svc.ID), svc.Title, svc.Description, svc.OfferedPrice.Amount, svc.OfferedPrice.Currency,
	)
	return err
}

func (t *pgTx) UpdateServiceStatus(ctx context.Context, id types.ID, from, to ServiceStatus, version int) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE services
		SET status = $1,
		    status_version = status_version + 1
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), string(id), string(from), version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) GetOffer(ctx context.Context, id types.ID) (*Offer, error) {
	row := t.q.QueryRow(ctx, `
		SELECT id, service_id, driver_id, kind, price_cents, currency, message, status, created_at
		FROM offers
		WHERE id = $1`, string(id),
	)
	return scanOffer(row)
}

func (t *pgTx) InsertOffer(ctx context.Context, o *Offer) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO offers (id, service_id, driver_id, kind, price_cents, currency, message, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(o.ID), string(o.ServiceID), string(o.DriverID), string(o.Kind),
		o.Price.Amount, o.Price.Currency, o.Message, string(o.Status), o.CreatedAt,
	)
	return err
}

func (t *pgTx) ResolveOffers(ctx context.Context, serviceID, acceptedID types.ID) error {
	_, err := t.q.Exec(ctx, `
		UPDATE offers
		SET status = CASE WHEN id = $2 THEN 'ACCEPTED' ELSE 'REJECTED' END
		WHERE service_id = $1`,
		string(serviceID), string(acceptedID),
	)
	return err
}

func (t *pgTx) FindAssignment(ctx context.Context, serviceID types.ID) (*Assignment, error) {
	row := t.q.QueryRow(ctx, `
		SELECT id, service_id, driver_id, accepted_offer_id, accepted_at
		FROM assignments
		WHERE service_id = $1`, string(serviceID),
	)
	return scanAssignment(row)
}

func (t *pgTx) FindDriverAssignment(ctx context.Context, serviceID, driverID types.ID) (*Assignment, error) {
	row := t.q.QueryRow(ctx, `
		SELECT id, service_id, driver_id, accepted_offer_id, accepted_at
		FROM assignments
		WHERE service_id = $1 AND driver_id = $2`, string(serviceID), string(driverID),
	)
	return scanAssignment(row)
}

func (t *pgTx) InsertAssignment(ctx context.Context, a *Assignment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO assignments (id, service_id, driver_id, accepted_offer_id, accepted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(a.ID), string(a.ServiceID), string(a.DriverID), string(a.AcceptedOfferID), a.AcceptedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyAssigned
	}
	return err
}

func (t *pgTx) AppendEvent(ctx context.Context, e *Event) error {
	var actor *string
	if e.ActorID != nil {
		v := string(*e.ActorID)
		actor = &v
	}
	row := t.q.QueryRow(ctx, `
		INSERT INTO service_state_events (service_id, from_status, to_status, actor_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		string(e.ServiceID), string(e.FromStatus), string(e.ToStatus), actor, e.Reason, e.CreatedAt,
	)
	return row.Scan(&e.ID)
}

const serviceColumns = `id, created_by, title, description, service_type,
		       origin_address, origin_lat, origin_lng,
		       dest_address, dest_lat, dest_lng,
		       pickup_start, pickup_end, delivery_start, delivery_end,
		       price_cents, currency, status, status_version, created_at`

func getService(ctx context.Context, q querier, id types.ID, forUpdate bool) (*Service, error) {
	sql := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	svc, err := scanService(q.QueryRow(ctx, sql, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	return svc, err
}

func scanService(row pgx.Row) (*Service, error) {
	var svc Service
	err := row.Scan(
		&svc.ID, &svc.CreatedBy, &svc.Title, &svc.Description, &svc.ServiceType,
		&svc.OriginAddress, &svc.Origin.Lat, &svc.Origin.Lng,
		&svc.DestAddress, &svc.Dest.Lat, &svc.Dest.Lng,
		&svc.PickupWindow.Start, &svc.PickupWindow.End, &svc.DeliveryWindow.Start, &svc.DeliveryWindow.End,
		&svc.OfferedPrice.Amount, &svc.OfferedPrice.Currency, &svc.Status, &svc.StatusVersion, &svc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	normalizeTimes(&svc.PickupWindow.Start, &svc.PickupWindow.End, &svc.DeliveryWindow.Start, &svc.DeliveryWindow.End, &svc.CreatedAt)
	return &svc, nil
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	err := row.Scan(&o.ID, &o.ServiceID, &o.DriverID, &o.Kind, &o.Price.Amount, &o.Price.Currency, &o.Message, &o.Status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	normalizeTimes(&o.CreatedAt)
	return &o, nil
}

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.ServiceID, &a.DriverID, &a.AcceptedOfferID, &a.AcceptedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, err
	}
	normalizeTimes(&a.AcceptedAt)
	return &a, nil
}

func normalizeTimes(ts ...*time.Time) {
	for _, t := range ts {
		*t = t.UTC()
	}
}
