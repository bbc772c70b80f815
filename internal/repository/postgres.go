// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mkoshkin/vpnshop-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrPlanNotFound возвращается, если тарифный план не найден.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrNoFreeAccount возвращается, когда в пуле нет свободных учётных записей.
	ErrNoFreeAccount = errors.New("no free account in pool")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAccountExists возвращается при попытке добавить учётную запись с занятым именем.
	ErrAccountExists = errors.New("account already exists")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// EnsureUser создаёт пользователя, если его ещё нет.
func (r *PostgresRepository) EnsureUser(ctx context.Context, id int64, firstName, tgUsername string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, first_name, tg_username) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		id, firstName, tgUsername,
	)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, first_name, tg_username, role, balance, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.FirstName, &u.TgUsername, &u.Role, &u.Balance, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetBalance возвращает баланс кошелька пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// TopUpBalance увеличивает баланс кошелька пользователя.
func (r *PostgresRepository) TopUpBalance(ctx context.Context, userID, amount int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("top up balance: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DebitBalance выполняет атомарное условное списание: баланс уменьшается
// одним UPDATE и только если средств достаточно. Проверка и списание не
// разнесены во времени, поэтому параллельные списания из фонового прохода
// и из потока покупки не могут увести баланс в минус.
func (r *PostgresRepository) DebitBalance(ctx context.Context, userID, amount int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET balance = balance - $2 WHERE id = $1 AND balance >= $2`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// GetPlan возвращает тарифный план по идентификатору.
func (r *PostgresRepository) GetPlan(ctx context.Context, id int64) (*model.Plan, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, volume_gb, duration_months, price, group_name, is_unlimited, visible
		 FROM plans WHERE id = $1`,
		id,
	)

	var p model.Plan
	err := row.Scan(&p.ID, &p.Name, &p.VolumeGB, &p.DurationMonths, &p.Price, &p.GroupName, &p.IsUnlimited, &p.Visible)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}

	return &p, nil
}

// AddAccount добавляет новую учётную запись в пул.
func (r *PostgresRepository) AddAccount(ctx context.Context, username, password string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (username, password, status) VALUES ($1, $2, $3) RETURNING id`,
		username, password, string(model.AccountStatusFree),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrAccountExists, username)
		}
		return 0, fmt.Errorf("add account: %w", err)
	}
	return id, nil
}

// ClaimFreeAccount выбирает свободную учётную запись и закрепляет её за
// заказом. Выбор и закрепление выполняются в одной транзакции с
// блокировкой строки, чтобы две параллельные покупки не получили одну
// и ту же запись.
func (r *PostgresRepository) ClaimFreeAccount(ctx context.Context, orderID, planID int64) (*model.Account, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT id, username, password FROM accounts
		 WHERE status = $1
		 ORDER BY id
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		string(model.AccountStatusFree),
	)

	var a model.Account
	if err := row.Scan(&a.ID, &a.Username, &a.Password); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoFreeAccount
		}
		return nil, fmt.Errorf("select free account: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET status = $2, order_id = $3, plan_id = $4 WHERE id = $1`,
		a.ID, string(model.AccountStatusAssigned), orderID, planID,
	)
	if err != nil {
		return nil, fmt.Errorf("assign account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	a.Status = model.AccountStatusAssigned
	a.OrderID = &orderID
	a.PlanID = &planID
	return &a, nil
}

// ReassignAccount переводит учётную запись на новый заказ, сохраняя её занятой.
func (r *PostgresRepository) ReassignAccount(ctx context.Context, username string, orderID, planID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET status = $2, order_id = $3, plan_id = $4 WHERE username = $1`,
		username, string(model.AccountStatusAssigned), orderID, planID,
	)
	if err != nil {
		return fmt.Errorf("reassign account: %w", err)
	}
	return nil
}

// ReleaseAccountByOrder возвращает учётную запись заказа в пул свободных.
func (r *PostgresRepository) ReleaseAccountByOrder(ctx context.Context, orderID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET status = $2, order_id = NULL, plan_id = NULL WHERE order_id = $1`,
		orderID, string(model.AccountStatusFree),
	)
	if err != nil {
		return fmt.Errorf("release account: %w", err)
	}
	return nil
}

// InsertOrder сохраняет новый заказ и возвращает его идентификатор.
func (r *PostgresRepository) InsertOrder(ctx context.Context, o *model.Order) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (user_id, plan_id, username, status, price, starts_at, expires_at, is_renewal_of_order, volume_mb)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		o.UserID, o.PlanID, o.Username, string(o.Status), o.Price,
		o.StartsAt, o.ExpiresAt, o.IsRenewalOf, o.VolumeMB,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

// SetOrderUsername привязывает к заказу имя выданной учётной записи.
// Заказ создаётся раньше, чем за ним закрепляется учётная запись.
func (r *PostgresRepository) SetOrderUsername(ctx context.Context, id int64, username string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET username = $2 WHERE id = $1`,
		id, username,
	)
	if err != nil {
		return fmt.Errorf("set order username: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

const orderColumns = `id, user_id, plan_id, username, status, price, created_at,
	starts_at, expires_at, last_notif_level, is_renewal_of_order, volume_mb`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.PlanID, &o.Username, &status, &o.Price, &o.CreatedAt,
		&o.StartsAt, &o.ExpiresAt, &o.LastNotifLevel, &o.IsRenewalOf, &o.VolumeMB)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrdersByStatus возвращает все заказы в указанном статусе.
func (r *PostgresRepository) GetOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY id`,
		string(status),
	)
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
}

// GetActiveOrdersWithoutTime возвращает активные заказы, у которых ещё не
// заполнены метки начала либо истечения.
func (r *PostgresRepository) GetActiveOrdersWithoutTime(ctx context.Context) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND (starts_at IS NULL OR expires_at IS NULL)
		 ORDER BY id`,
		string(model.OrderStatusActive),
	)
}

// GetExpiryCandidates возвращает заказы, которым может пора истечь.
// Заказы без метки истечения исключены на уровне запроса.
func (r *PostgresRepository) GetExpiryCandidates(ctx context.Context) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ($1, $2) AND expires_at IS NOT NULL
		 ORDER BY id`,
		string(model.OrderStatusActive),
		string(model.OrderStatusWaitingForRenewal),
	)
}

// GetOrdersForNotification возвращает заказы, истекающие до указанной
// метки. Формат меток допускает лексикографическое сравнение.
func (r *PostgresRepository) GetOrdersForNotification(ctx context.Context, beforeJalali string) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ($1, $2) AND expires_at IS NOT NULL AND expires_at <= $3
		 ORDER BY id`,
		string(model.OrderStatusActive),
		string(model.OrderStatusWaitingForRenewal),
		beforeJalali,
	)
}

// UpdateOrderStatus безусловно переводит заказ в новый статус.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, id int64, to model.OrderStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`,
		id, string(to),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// UpdateOrderStatusFrom переводит заказ в новый статус, только если он всё
// ещё находится в ожидаемом исходном. Возвращает false, если строка уже
// обработана кем-то другим — так проходы не выполняют переход дважды.
func (r *PostgresRepository) UpdateOrderStatusFrom(ctx context.Context, id int64, from, to model.OrderStatus) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("update order status from: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// UpdateOrderTimes записывает метки начала и истечения заказа. Пустые
// аргументы не затирают уже сохранённые значения.
func (r *PostgresRepository) UpdateOrderTimes(ctx context.Context, id int64, startsAt, expiresAt *string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET
		   starts_at = COALESCE($2, starts_at),
		   expires_at = COALESCE($3, expires_at)
		 WHERE id = $1`,
		id, startsAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("update order times: %w", err)
	}
	return nil
}

// SetOrderNotifLevel поднимает уровень отправленного уведомления.
// Уровень монотонно растёт: понижение игнорируется на уровне запроса.
func (r *PostgresRepository) SetOrderNotifLevel(ctx context.Context, id int64, level int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET last_notif_level = $2 WHERE id = $1 AND last_notif_level < $2`,
		id, level,
	)
	if err != nil {
		return fmt.Errorf("set notif level: %w", err)
	}
	return nil
}

// GetUsage возвращает запись о трафике заказа или nil, если её ещё нет.
func (r *PostgresRepository) GetUsage(ctx context.Context, orderID int64) (*model.UsageRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT order_id, username, sent_mb, received_mb, total_mb, applied_speed, ceiling_mb, last_update
		 FROM order_usages WHERE order_id = $1`,
		orderID,
	)

	var rec model.UsageRecord
	err := row.Scan(&rec.OrderID, &rec.Username, &rec.SentMB, &rec.ReceivedMB, &rec.TotalMB,
		&rec.AppliedSpeed, &rec.CeilingMB, &rec.LastUpdate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get usage: %w", err)
	}

	return &rec, nil
}

// UpsertUsage сохраняет свежий срез трафика заказа. Применённое
// ограничение скорости при обновлении не затирается.
func (r *PostgresRepository) UpsertUsage(ctx context.Context, rec *model.UsageRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO order_usages (order_id, username, sent_mb, received_mb, total_mb, ceiling_mb, last_update)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (order_id) DO UPDATE SET
		   sent_mb = EXCLUDED.sent_mb,
		   received_mb = EXCLUDED.received_mb,
		   total_mb = EXCLUDED.total_mb,
		   ceiling_mb = EXCLUDED.ceiling_mb,
		   last_update = EXCLUDED.last_update`,
		rec.OrderID, rec.Username, rec.SentMB, rec.ReceivedMB, rec.TotalMB, rec.CeilingMB, rec.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}

// SetAppliedSpeed записывает фактически применённое ограничение скорости.
func (r *PostgresRepository) SetAppliedSpeed(ctx context.Context, orderID int64, speed string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE order_usages SET applied_speed = $2 WHERE order_id = $1`,
		orderID, speed,
	)
	if err != nil {
		return fmt.Errorf("set applied speed: %w", err)
	}
	return nil
}

// UsageForLimitation описывает строку кандидата для прохода ограничения скорости.
type UsageForLimitation struct {
	OrderID        int64
	UserID         int64
	Username       string
	TotalMB        int64
	CeilingMB      int64
	AppliedSpeed   *string
	IsUnlimited    bool
	DurationMonths int
}

// GetUsageForLimitation возвращает срезы трафика активных заказов вместе
// с параметрами тарифа, нужными для расчёта ограничения.
func (r *PostgresRepository) GetUsageForLimitation(ctx context.Context) ([]UsageForLimitation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ou.order_id, o.user_id, ou.username, ou.total_mb, ou.ceiling_mb, ou.applied_speed,
		        p.is_unlimited, p.duration_months
		 FROM order_usages ou
		 JOIN orders o ON o.id = ou.order_id
		 JOIN plans p ON p.id = o.plan_id
		 WHERE o.status = $1
		 ORDER BY ou.order_id`,
		string(model.OrderStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("select usage for limitation: %w", err)
	}
	defer rows.Close()

	var res []UsageForLimitation
	for rows.Next() {
		var u UsageForLimitation
		if err := rows.Scan(&u.OrderID, &u.UserID, &u.Username, &u.TotalMB, &u.CeilingMB,
			&u.AppliedSpeed, &u.IsUnlimited, &u.DurationMonths); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
