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

	"github.com/mmeshcher/referral-system/internal/model"
	"github.com/mmeshcher/referral-system/internal/referralcode"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrCodeNotFound возвращается, если реферальный код не принадлежит ни одному пользователю.
	ErrCodeNotFound = errors.New("referral code not found")
	// ErrSelfReferral возвращается при попытке привлечь самого себя.
	ErrSelfReferral = errors.New("self referral is not allowed")
	// ErrDuplicateAttribution возвращается, если привлечённый пользователь уже имеет реферальную запись.
	ErrDuplicateAttribution = errors.New("user already has a referral attribution")
	// ErrInvalidAmount возвращается при попытке начислить неположительную сумму.
	ErrInvalidAmount = errors.New("reward amount must be positive")
	// ErrRewardAlreadyCredited возвращается, если вознаграждение по записи уже выплачено.
	ErrRewardAlreadyCredited = errors.New("reward already credited")
)

// Количество попыток регенерации реферального кода при коллизии уникального индекса.
const maxCodeAttempts = 10

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

// CreateUser создаёт нового пользователя с постоянным реферальным кодом.
// Код детерминированно выводится из идентификатора; при коллизии
// уникального индекса генерация повторяется со счётчиком попыток.
func (r *PostgresRepository) CreateUser(ctx context.Context, login, name string, passwordHash []byte) (*model.User, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval('users_id_seq')`).Scan(&id); err != nil {
		return nil, fmt.Errorf("next user id: %w", err)
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := referralcode.Derive(id, attempt)

		var createdAt time.Time
		err := r.pool.QueryRow(ctx,
			`INSERT INTO users (id, login, name, referral_code, password_hash)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at`,
			id, login, name, code, passwordHash,
		).Scan(&createdAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				if pgErr.ConstraintName == "users_referral_code_key" {
					continue
				}
				return nil, fmt.Errorf("%w: %s", ErrUserExists, login)
			}
			return nil, fmt.Errorf("create user: %w", err)
		}

		return &model.User{
			ID:           id,
			Login:        login,
			Name:         name,
			Role:         model.RoleUser,
			ReferralCode: code,
			PasswordHash: passwordHash,
			CreatedAt:    createdAt,
		}, nil
	}

	return nil, fmt.Errorf("create user: referral code collisions exhausted %d attempts", maxCodeAttempts)
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return r.getUser(ctx,
		`SELECT id, login, name, role, referral_code, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getUser(ctx,
		`SELECT id, login, name, role, referral_code, password_hash, created_at FROM users WHERE id = $1`,
		id,
	)
}

// GetUserByReferralCode возвращает пользователя по его реферальному коду.
// Поиск выполняется по индексированной колонке, без перебора пользователей.
func (r *PostgresRepository) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	u, err := r.getUser(ctx,
		`SELECT id, login, name, role, referral_code, password_hash, created_at FROM users WHERE referral_code = $1`,
		code,
	)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrCodeNotFound
	}
	return u, err
}

func (r *PostgresRepository) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Login, &u.Name, &u.Role, &u.ReferralCode, &u.PasswordHash, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CreateReferral создаёт постоянную реферальную запись.
// Уникальный индекс по referred_id служит гарантией от повторного вознаграждения,
// ограничение CHECK в схеме дублирует запрет самопривлечения на уровне хранилища.
func (r *PostgresRepository) CreateReferral(ctx context.Context, referrerID, referredID int64) (*model.Referral, error) {
	if referrerID == referredID {
		return nil, ErrSelfReferral
	}

	var ref model.Referral
	err := r.pool.QueryRow(ctx,
		`INSERT INTO referrals (referrer_id, referred_id, status)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, completed_at`,
		referrerID, referredID, string(model.ReferralStatusCompleted),
	).Scan(&ref.ID, &ref.CreatedAt, &ref.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return nil, fmt.Errorf("%w: referred user %d", ErrDuplicateAttribution, referredID)
			case pgerrcode.CheckViolation:
				return nil, ErrSelfReferral
			case pgerrcode.ForeignKeyViolation:
				return nil, fmt.Errorf("%w: referral participants", ErrUserNotFound)
			}
		}
		return nil, fmt.Errorf("create referral: %w", err)
	}

	ref.ReferrerID = referrerID
	ref.ReferredID = referredID
	ref.Status = model.ReferralStatusCompleted

	return &ref, nil
}

// CreditReward атомарно начисляет вознаграждение по реферальной записи.
// Флаг reward_credited захватывается в той же транзакции, что и изменение
// баланса, поэтому повторный вызов для одной записи не даёт второго начисления.
func (r *PostgresRepository) CreditReward(ctx context.Context, referralID, referrerID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE referrals SET reward_credited = TRUE WHERE id = $1 AND NOT reward_credited`,
		referralID,
	)
	if err != nil {
		return 0, fmt.Errorf("claim reward: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return 0, fmt.Errorf("%w: referral %d", ErrRewardAlreadyCredited, referralID)
	}

	var credits int64
	err = tx.QueryRow(ctx,
		`INSERT INTO balances (user_id, credits) VALUES ($1, $2)
		 ON CONFLICT (user_id)
		 DO UPDATE SET credits = balances.credits + EXCLUDED.credits, updated_at = now()
		 RETURNING credits`,
		referrerID, amount,
	).Scan(&credits)
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return credits, nil
}

// GetBalance возвращает текущий баланс пользователя. Отсутствие записи — нулевой баланс.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var credits int64
	err := r.pool.QueryRow(ctx,
		`SELECT credits FROM balances WHERE user_id = $1`,
		userID,
	).Scan(&credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return credits, nil
}

// CountCompletedReferrals возвращает число завершённых привлечений пользователя.
func (r *PostgresRepository) CountCompletedReferrals(ctx context.Context, referrerID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1 AND status = $2`,
		referrerID, string(model.ReferralStatusCompleted),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count referrals: %w", err)
	}
	return total, nil
}

// GetReferralsByReferrer возвращает историю привлечений пользователя, новые первыми.
func (r *PostgresRepository) GetReferralsByReferrer(ctx context.Context, referrerID int64, limit int) ([]model.Referral, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.referrer_id, r.referred_id, u.name, u.login,
		        r.status, r.reward_credited, r.created_at, r.completed_at
		 FROM referrals r
		 JOIN users u ON u.id = r.referred_id
		 WHERE r.referrer_id = $1
		 ORDER BY r.created_at DESC, r.id DESC
		 LIMIT $2`,
		referrerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select referrals: %w", err)
	}
	defer rows.Close()

	var res []model.Referral
	for rows.Next() {
		var (
			ref    model.Referral
			status string
		)
		if err := rows.Scan(
			&ref.ID, &ref.ReferrerID, &ref.ReferredID, &ref.ReferredName, &ref.ReferredLogin,
			&status, &ref.RewardCredited, &ref.CreatedAt, &ref.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		ref.Status = model.ReferralStatus(status)
		res = append(res, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetLeaderboard возвращает рейтинг пользователей по числу завершённых привлечений.
// Порядок: убывание количества, при равенстве раньше тот, чьё первое привлечение
// произошло раньше, затем меньший идентификатор.
func (r *PostgresRepository) GetLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.referrer_id, u.name, COUNT(*) AS total
		 FROM referrals r
		 JOIN users u ON u.id = r.referrer_id
		 WHERE r.status = $1
		 GROUP BY r.referrer_id, u.name
		 ORDER BY total DESC, MIN(r.created_at) ASC, r.referrer_id ASC
		 LIMIT $2`,
		string(model.ReferralStatusCompleted), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard: %w", err)
	}
	defer rows.Close()

	var res []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		if err := rows.Scan(&e.ReferrerID, &e.Name, &e.TotalReferrals); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetUncreditedReferrals возвращает записи, по которым вознаграждение ещё не начислено.
func (r *PostgresRepository) GetUncreditedReferrals(ctx context.Context, limit int) ([]model.Referral, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, referrer_id, referred_id, status, reward_credited, created_at, completed_at
		 FROM referrals
		 WHERE NOT reward_credited
		 ORDER BY created_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select uncredited referrals: %w", err)
	}
	defer rows.Close()

	var res []model.Referral
	for rows.Next() {
		var (
			ref    model.Referral
			status string
		)
		if err := rows.Scan(
			&ref.ID, &ref.ReferrerID, &ref.ReferredID,
			&status, &ref.RewardCredited, &ref.CreatedAt, &ref.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		ref.Status = model.ReferralStatus(status)
		res = append(res, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UserAccount описывает пользователя в административной выдаче.
type UserAccount struct {
	User           model.User
	Balance        int64
	TotalReferrals int64
}

// ListUsers возвращает всех пользователей с балансами и числом привлечений.
func (r *PostgresRepository) ListUsers(ctx context.Context) ([]UserAccount, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.login, u.name, u.role, u.referral_code, u.created_at,
		        COALESCE(b.credits, 0),
		        COUNT(r.id)
		 FROM users u
		 LEFT JOIN balances b ON b.user_id = u.id
		 LEFT JOIN referrals r ON r.referrer_id = u.id
		 GROUP BY u.id, u.login, u.name, u.role, u.referral_code, u.created_at, b.credits
		 ORDER BY u.created_at DESC, u.id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var res []UserAccount
	for rows.Next() {
		var a UserAccount
		if err := rows.Scan(
			&a.User.ID, &a.User.Login, &a.User.Name, &a.User.Role, &a.User.ReferralCode, &a.User.CreatedAt,
			&a.Balance, &a.TotalReferrals,
		); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetUserAccount возвращает пользователя с балансом и числом привлечений.
func (r *PostgresRepository) GetUserAccount(ctx context.Context, id int64) (*UserAccount, error) {
	var a UserAccount
	err := r.pool.QueryRow(ctx,
		`SELECT u.id, u.login, u.name, u.role, u.referral_code, u.created_at,
		        COALESCE(b.credits, 0),
		        (SELECT COUNT(*) FROM referrals r WHERE r.referrer_id = u.id)
		 FROM users u
		 LEFT JOIN balances b ON b.user_id = u.id
		 WHERE u.id = $1`,
		id,
	).Scan(
		&a.User.ID, &a.User.Login, &a.User.Name, &a.User.Role, &a.User.ReferralCode, &a.User.CreatedAt,
		&a.Balance, &a.TotalReferrals,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user account: %w", err)
	}
	return &a, nil
}

// UpdateUser изменяет имя и роль пользователя. Пустые значения оставляют поле без изменений.
func (r *PostgresRepository) UpdateUser(ctx context.Context, id int64, name, role string) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`UPDATE users
		 SET name = COALESCE(NULLIF($2, ''), name),
		     role = COALESCE(NULLIF($3, ''), role)
		 WHERE id = $1
		 RETURNING id, login, name, role, referral_code, password_hash, created_at`,
		id, name, role,
	).Scan(&u.ID, &u.Login, &u.Name, &u.Role, &u.ReferralCode, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return &u, nil
}

// DeleteUser удаляет пользователя вместе с балансом и реферальными записями.
func (r *PostgresRepository) DeleteUser(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
