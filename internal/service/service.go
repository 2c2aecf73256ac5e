// Package service реализует бизнес-логику реферальной системы.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/referral-system/internal/model"
	"github.com/mmeshcher/referral-system/internal/notify"
	"github.com/mmeshcher/referral-system/internal/referralcode"
	"github.com/mmeshcher/referral-system/internal/repository"
)

// ErrInvalidCodeFormat возвращается, если реферальный код не проходит проверку формата.
var (
	ErrInvalidCodeFormat = errors.New("invalid referral code format")
	// ErrRewardNotCredited возвращается, когда привлечение записано, но вознаграждение не начислено.
	ErrRewardNotCredited = errors.New("attribution recorded, reward not credited")
	// ErrInvalidRole возвращается при попытке назначить неизвестную роль.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Значения по умолчанию и ограничения для страниц выдачи.
const (
	defaultHistoryLimit     = 50
	maxHistoryLimit         = 200
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// Параметры фонового доначисления вознаграждений.
const (
	reconcileInterval   = 30 * time.Second
	reconcileBatchSize  = 100
	reconcileMaxRetries = 3
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login, name string, passwordHash []byte) (*model.User, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)
	CreateReferral(ctx context.Context, referrerID, referredID int64) (*model.Referral, error)
	CreditReward(ctx context.Context, referralID, referrerID, amount int64) (int64, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	CountCompletedReferrals(ctx context.Context, referrerID int64) (int64, error)
	GetReferralsByReferrer(ctx context.Context, referrerID int64, limit int) ([]model.Referral, error)
	GetLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
	GetUncreditedReferrals(ctx context.Context, limit int) ([]model.Referral, error)
	ListUsers(ctx context.Context) ([]repository.UserAccount, error)
	GetUserAccount(ctx context.Context, id int64) (*repository.UserAccount, error)
	UpdateUser(ctx context.Context, id int64, name, role string) (*model.User, error)
	DeleteUser(ctx context.Context, id int64) error
}

// Service содержит бизнес-логику реферальной системы.
type Service struct {
	repo           Repository
	notifyClient   *notify.Client
	logger         *zap.Logger
	clientBaseURL  string
	rewardAmount   int64
	reconcileEvery time.Duration
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом операционного канала.
func NewService(repo Repository, notifyClient *notify.Client, logger *zap.Logger, clientBaseURL string, rewardAmount int64) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:           repo,
		notifyClient:   notifyClient,
		logger:         logger,
		clientBaseURL:  clientBaseURL,
		rewardAmount:   rewardAmount,
		reconcileEvery: reconcileInterval,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, name, password string) (*model.User, error) {
	hashed := hashPassword(login, password)
	u, err := s.repo.CreateUser(ctx, login, name, hashed)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// AuthenticateUser проверяет логин и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// ResolveCode находит пользователя по его реферальному коду.
// Неверный формат отклоняется до обращения к хранилищу.
func (s *Service) ResolveCode(ctx context.Context, code string) (*model.User, error) {
	code = referralcode.Normalize(code)
	if !referralcode.Valid(code) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCodeFormat, code)
	}
	return s.repo.GetUserByReferralCode(ctx, code)
}

// Grant записывает привлечение и начисляет вознаграждение рефереру.
// Без записанного привлечения начисление не выполняется; если начисление
// не удалось после записи, привлечение сохраняется, а вызывающему
// возвращается ErrRewardNotCredited.
func (s *Service) Grant(ctx context.Context, referrerID, referredID int64) (*model.Referral, int64, error) {
	ref, err := s.repo.CreateReferral(ctx, referrerID, referredID)
	if err != nil {
		return nil, 0, err
	}

	balance, err := s.repo.CreditReward(ctx, ref.ID, referrerID, s.rewardAmount)
	if err != nil {
		// Фоновое доначисление могло успеть раньше: вознаграждение выплачено ровно один раз.
		if errors.Is(err, repository.ErrRewardAlreadyCredited) {
			ref.RewardCredited = true
			balance, err = s.repo.GetBalance(ctx, referrerID)
			if err != nil {
				s.logger.Warn("read balance after concurrent credit",
					zap.Int64("referralID", ref.ID),
					zap.Error(err),
				)
				balance = 0
			}
			return ref, balance, nil
		}
		s.reportRewardFailure(ref, err)
		return ref, 0, fmt.Errorf("%w: %s", ErrRewardNotCredited, err)
	}

	ref.RewardCredited = true

	return ref, balance, nil
}

// ProcessReferral обрабатывает реферальный код при регистрации нового пользователя.
// Любая ошибка здесь только логируется: результат регистрации от неё не зависит.
func (s *Service) ProcessReferral(ctx context.Context, code string, referredID int64) {
	if code == "" {
		return
	}

	referrer, err := s.ResolveCode(ctx, code)
	if err != nil {
		s.logger.Warn("referral code not applied",
			zap.String("code", code),
			zap.Int64("referredID", referredID),
			zap.Error(err),
		)
		return
	}

	if referrer.ID == referredID {
		s.logger.Warn("self referral rejected",
			zap.String("code", code),
			zap.Int64("referredID", referredID),
		)
		return
	}

	ref, balance, err := s.Grant(ctx, referrer.ID, referredID)
	if err != nil {
		s.logger.Warn("referral grant failed",
			zap.String("code", code),
			zap.Int64("referrerID", referrer.ID),
			zap.Int64("referredID", referredID),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("referral reward granted",
		zap.Int64("referralID", ref.ID),
		zap.Int64("referrerID", referrer.ID),
		zap.Int64("referredID", referredID),
		zap.Int64("newBalance", balance),
	)
}

// GetSummary возвращает персональные реферальные данные пользователя.
func (s *Service) GetSummary(ctx context.Context, userID int64) (*model.Summary, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	total, err := s.repo.CountCompletedReferrals(ctx, userID)
	if err != nil {
		return nil, err
	}

	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &model.Summary{
		ReferralCode:   u.ReferralCode,
		ReferralLink:   fmt.Sprintf("%s/register?ref=%s", s.clientBaseURL, u.ReferralCode),
		TotalReferrals: total,
		CurrentBalance: balance,
	}, nil
}

// GetHistory возвращает историю привлечений пользователя, новые первыми.
func (s *Service) GetHistory(ctx context.Context, userID int64, limit int) ([]model.Referral, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.repo.GetReferralsByReferrer(ctx, userID, limit)
}

// GetLeaderboard возвращает рейтинг пользователей по числу привлечений.
func (s *Service) GetLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}
	return s.repo.GetLeaderboard(ctx, limit)
}

// ListUsers возвращает всех пользователей для административной панели.
func (s *Service) ListUsers(ctx context.Context) ([]repository.UserAccount, error) {
	return s.repo.ListUsers(ctx)
}

// GetUserAccount возвращает пользователя с балансом для административной панели.
func (s *Service) GetUserAccount(ctx context.Context, id int64) (*repository.UserAccount, error) {
	return s.repo.GetUserAccount(ctx, id)
}

// UpdateUser изменяет имя и роль пользователя.
func (s *Service) UpdateUser(ctx context.Context, id int64, name, role string) (*model.User, error) {
	if role != "" && role != model.RoleUser && role != model.RoleAdmin {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return s.repo.UpdateUser(ctx, id, name, role)
}

// DeleteUser удаляет пользователя.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	return s.repo.DeleteUser(ctx, id)
}

// StartRewardReconciler запускает фоновое доначисление вознаграждений по записям,
// у которых начисление не прошло в момент регистрации.
func (s *Service) StartRewardReconciler(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.reconcileEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcileRewards(ctx)
			}
		}
	}()
}

func (s *Service) reconcileRewards(ctx context.Context) {
	refs, err := s.repo.GetUncreditedReferrals(ctx, reconcileBatchSize)
	if err != nil {
		s.logger.Error("select uncredited referrals", zap.Error(err))
		return
	}

	for _, ref := range refs {
		backoff := retry.WithMaxRetries(reconcileMaxRetries, retry.NewFibonacci(200*time.Millisecond))

		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			_, err := s.repo.CreditReward(ctx, ref.ID, ref.ReferrerID, s.rewardAmount)
			if err == nil {
				return nil
			}
			// Уже начислено другим процессом — не ошибка.
			if errors.Is(err, repository.ErrRewardAlreadyCredited) {
				return nil
			}
			if errors.Is(err, repository.ErrInvalidAmount) {
				return err
			}
			return retry.RetryableError(err)
		})
		if err != nil {
			s.logger.Error("reconcile reward failed",
				zap.Int64("referralID", ref.ID),
				zap.Int64("referrerID", ref.ReferrerID),
				zap.Error(err),
			)
			s.reportRewardFailure(&ref, err)
			continue
		}

		s.logger.Info("reconciled referral reward",
			zap.Int64("referralID", ref.ID),
			zap.Int64("referrerID", ref.ReferrerID),
		)
	}
}

func (s *Service) reportRewardFailure(ref *model.Referral, cause error) {
	if s.notifyClient == nil {
		return
	}

	ev := notify.RewardFailure{
		ReferralID: ref.ID,
		ReferrerID: ref.ReferrerID,
		Amount:     s.rewardAmount,
		Reason:     cause.Error(),
		OccurredAt: time.Now().UTC(),
	}

	if err := s.notifyClient.NotifyRewardFailure(ev); err != nil {
		s.logger.Error("notify reward failure", zap.Int64("referralID", ref.ID), zap.Error(err))
	}
}
