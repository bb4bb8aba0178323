package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/shared/models"
)

var _ domain.OrderStore = (*PostgresOrderStore)(nil)

// PostgresOrderStore implements OrderStore using PostgreSQL. Each unit of
// work runs in its own transaction.
type PostgresOrderStore struct {
	db *sqlx.DB
}

// NewPostgresOrderStore creates a new PostgresOrderStore
func NewPostgresOrderStore(db *sqlx.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

type postgresOrder struct {
	ID        string    `db:"id"`
	State     string    `db:"state"`
	Address   []byte    `db:"address"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type postgresEvent struct {
	ID        string    `db:"id"`
	OrderID   string    `db:"order_id"`
	Type      string    `db:"type"`
	Payload   []byte    `db:"payload"`
	Timestamp time.Time `db:"ts"`
}

type postgresPayment struct {
	PaymentID string    `db:"payment_id"`
	OrderID   string    `db:"order_id"`
	Status    string    `db:"status"`
	Amount    int64     `db:"amount"`
	CreatedAt time.Time `db:"created_at"`
}

// WithinUnitOfWork runs fn inside a transaction. The transaction is rolled
// back when fn fails or panics.
func (s *PostgresOrderStore) WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow domain.UnitOfWork) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, &postgresUnitOfWork{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func (s *PostgresOrderStore) FindOrder(ctx context.Context, id models.ID) (*domain.Order, error) {
	return findPostgresOrder(ctx, s.db, id)
}

// ListEvents returns the audit log of an order, oldest first
func (s *PostgresOrderStore) ListEvents(ctx context.Context, orderID models.ID) ([]*domain.OrderEvent, error) {
	query := `
		SELECT id, order_id, type, payload, ts
		FROM events
		WHERE order_id = $1
		ORDER BY ts, id`

	var rows []postgresEvent
	if err := s.db.SelectContext(ctx, &rows, query, orderID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}

	out := make([]*domain.OrderEvent, 0, len(rows))
	for i := range rows {
		out = append(out, eventToDomain(&rows[i]))
	}
	return out, nil
}

func (s *PostgresOrderStore) ListPayments(ctx context.Context, orderID models.ID) ([]*domain.PaymentRecord, error) {
	query := `
		SELECT payment_id, order_id, status, amount, created_at
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at`

	var rows []postgresPayment
	if err := s.db.SelectContext(ctx, &rows, query, orderID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to list payments")
	}

	out := make([]*domain.PaymentRecord, 0, len(rows))
	for i := range rows {
		out = append(out, paymentToDomain(&rows[i]))
	}
	return out, nil
}

type postgresUnitOfWork struct {
	tx *sqlx.Tx
}

func (u *postgresUnitOfWork) FindOrder(ctx context.Context, id models.ID) (*domain.Order, error) {
	return findPostgresOrder(ctx, u.tx, id)
}

func (u *postgresUnitOfWork) InsertOrderIfAbsent(ctx context.Context, order *domain.Order) (bool, error) {
	query := `
		INSERT INTO orders (id, state, address, created_at, updated_at)
		VALUES (:id, :state, :address, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING`

	row, err := orderToPostgres(order)
	if err != nil {
		return false, err
	}

	result, err := u.tx.NamedExecContext(ctx, query, row)
	if err != nil {
		return false, errors.Wrap(err, "failed to insert order")
	}
	return inserted(result)
}

// UpdateOrderState only writes when the stored state is a predecessor of
// target, so concurrent or replayed attempts cannot move an order backwards.
func (u *postgresUnitOfWork) UpdateOrderState(ctx context.Context, id models.ID, target domain.OrderState, now time.Time) error {
	query := `
		UPDATE orders
		SET state = $1, updated_at = $2
		WHERE id = $3 AND state = ANY($4)`

	from := make([]string, 0)
	for _, s := range domain.Predecessors(target) {
		from = append(from, s.String())
	}

	result, err := u.tx.ExecContext(ctx, query, target.String(), now.UTC(), id.String(), pq.Array(from))
	if err != nil {
		return errors.Wrap(err, "failed to update order state")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if rows > 0 {
		return nil
	}

	current, err := findPostgresOrder(ctx, u.tx, id)
	if err != nil {
		return err
	}
	if current.State == target {
		return nil
	}
	return errors.Wrapf(domain.ErrIllegalTransition, "order %s: %s -> %s", id, current.State, target)
}

func (u *postgresUnitOfWork) FindPayment(ctx context.Context, paymentID models.ID) (*domain.PaymentRecord, error) {
	query := `
		SELECT payment_id, order_id, status, amount, created_at
		FROM payments
		WHERE payment_id = $1`

	var row postgresPayment
	if err := u.tx.GetContext(ctx, &row, query, paymentID.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(domain.ErrPaymentNotFound, paymentID.String())
		}
		return nil, errors.Wrap(err, "failed to find payment")
	}
	return paymentToDomain(&row), nil
}

func (u *postgresUnitOfWork) FindPaymentByOrder(ctx context.Context, orderID models.ID) (*domain.PaymentRecord, error) {
	query := `
		SELECT payment_id, order_id, status, amount, created_at
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at
		LIMIT 1`

	var row postgresPayment
	if err := u.tx.GetContext(ctx, &row, query, orderID.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrPaymentNotFound, "order %s", orderID)
		}
		return nil, errors.Wrap(err, "failed to find payment by order")
	}
	return paymentToDomain(&row), nil
}

func (u *postgresUnitOfWork) InsertPaymentIfAbsent(ctx context.Context, payment *domain.PaymentRecord) (bool, error) {
	query := `
		INSERT INTO payments (payment_id, order_id, status, amount, created_at)
		VALUES (:payment_id, :order_id, :status, :amount, :created_at)
		ON CONFLICT (payment_id) DO NOTHING`

	result, err := u.tx.NamedExecContext(ctx, query, postgresPayment{
		PaymentID: payment.PaymentID.String(),
		OrderID:   payment.OrderID.String(),
		Status:    string(payment.Status),
		Amount:    payment.Amount,
		CreatedAt: payment.CreatedAt.UTC(),
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to insert payment")
	}
	return inserted(result)
}

func (u *postgresUnitOfWork) AppendEvent(ctx context.Context, event *domain.OrderEvent) (bool, error) {
	query := `
		INSERT INTO events (id, order_id, type, payload, ts)
		VALUES (:id, :order_id, :type, :payload, :ts)
		ON CONFLICT (order_id, type) DO NOTHING`

	payload := []byte(event.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	result, err := u.tx.NamedExecContext(ctx, query, postgresEvent{
		ID:        event.ID.String(),
		OrderID:   event.OrderID.String(),
		Type:      event.Type.String(),
		Payload:   payload,
		Timestamp: event.Timestamp.UTC(),
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to append event")
	}
	return inserted(result)
}

func findPostgresOrder(ctx context.Context, q sqlx.QueryerContext, id models.ID) (*domain.Order, error) {
	query := `
		SELECT id, state, address, created_at, updated_at
		FROM orders
		WHERE id = $1`

	var row postgresOrder
	if err := sqlx.GetContext(ctx, q, &row, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(domain.ErrOrderNotFound, id.String())
		}
		return nil, errors.Wrap(err, "failed to find order")
	}
	return orderToDomain(&row)
}

func inserted(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return rows > 0, nil
}

func orderToPostgres(order *domain.Order) (*postgresOrder, error) {
	address, err := json.Marshal(order.Address)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal address")
	}
	return &postgresOrder{
		ID:        order.ID.String(),
		State:     order.State.String(),
		Address:   address,
		CreatedAt: order.Timestamps.CreatedAt.UTC(),
		UpdatedAt: order.Timestamps.UpdatedAt.UTC(),
	}, nil
}

func orderToDomain(row *postgresOrder) (*domain.Order, error) {
	state, err := domain.ParseOrderState(row.State)
	if err != nil {
		return nil, err
	}

	var address domain.Address
	if len(row.Address) > 0 {
		if err := json.Unmarshal(row.Address, &address); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal address")
		}
	}

	return &domain.Order{
		ID:      models.ID(row.ID),
		State:   state,
		Address: address,
		Timestamps: models.Timestamps{
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
	}, nil
}

func eventToDomain(row *postgresEvent) *domain.OrderEvent {
	return &domain.OrderEvent{
		ID:        models.ID(row.ID),
		OrderID:   models.ID(row.OrderID),
		Type:      domain.OrderState(row.Type),
		Payload:   json.RawMessage(row.Payload),
		Timestamp: row.Timestamp,
	}
}

func paymentToDomain(row *postgresPayment) *domain.PaymentRecord {
	return &domain.PaymentRecord{
		PaymentID: models.ID(row.PaymentID),
		OrderID:   models.ID(row.OrderID),
		Status:    domain.PaymentStatus(row.Status),
		Amount:    row.Amount,
		CreatedAt: row.CreatedAt,
	}
}
