package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dicegame-backend/internal/config"
	"dicegame-backend/internal/models"

	"github.com/redis/go-redis/v9"
)

var ErrSessionNotFound = errors.New("session not found")

type RedisService struct {
	client *redis.Client
}

func NewRedisService(ctx context.Context, cfg *config.Config) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisServiceFromClient(client), nil
}

func NewRedisServiceFromClient(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

// Client exposes the underlying connection so other stores can share it.
func (s *RedisService) Client() *redis.Client {
	return s.client
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

func (s *RedisService) StorePlayerSession(ctx context.Context, session *models.PlayerSession, expiry time.Duration) error {
	key := fmt.Sprintf(KeyPlayerSession, session.Address, session.SessionID)

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return s.client.Set(ctx, key, data, expiry).Err()
}

func (s *RedisService) GetPlayerSession(ctx context.Context, address, sessionID string) (*models.PlayerSession, error) {
	key := fmt.Sprintf(KeyPlayerSession, address, sessionID)

	data, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.PlayerSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	session.LastAccessed = time.Now()
	if updated, err := json.Marshal(session); err == nil {
		s.client.Set(ctx, key, updated, TTLPlayerSession)
	}

	return &session, nil
}

func (s *RedisService) DeletePlayerSession(ctx context.Context, address, sessionID string) error {
	key := fmt.Sprintf(KeyPlayerSession, address, sessionID)
	return s.client.Del(ctx, key).Err()
}

// SaveBoard caches a computed board. Provisional boards are not cached so the
// next read retries the chain.
func (s *RedisService) SaveBoard(ctx context.Context, board *models.Board, ttl time.Duration) error {
	if board.Provisional || ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("failed to marshal board: %w", err)
	}

	return s.client.Set(ctx, KeyBoardSnapshot, data, ttl).Err()
}

// GetBoard returns the cached board, or nil when there is none.
func (s *RedisService) GetBoard(ctx context.Context) (*models.Board, error) {
	data, err := s.client.Get(ctx, KeyBoardSnapshot).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get board: %w", err)
	}

	var board models.Board
	if err := json.Unmarshal([]byte(data), &board); err != nil {
		return nil, fmt.Errorf("failed to unmarshal board: %w", err)
	}

	return &board, nil
}

func (s *RedisService) InvalidateBoard(ctx context.Context) error {
	return s.client.Del(ctx, KeyBoardSnapshot).Err()
}

func (s *RedisService) SaveReceipt(ctx context.Context, receipt *models.Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fmt.Sprintf(KeyReceipt, receipt.Hash), data, TTLReceipt)

		listKey := fmt.Sprintf(KeyPlayerReceipts, receipt.Player)
		pipe.ZAdd(ctx, listKey, redis.Z{
			Score:  float64(receipt.BlockTime),
			Member: receipt.Hash,
		})
		// Keep only the newest receipts
		pipe.ZRemRangeByRank(ctx, listKey, 0, -(MaxReceiptsPerPlayer + 1))
		pipe.Expire(ctx, listKey, TTLReceipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}

	return nil
}

func (s *RedisService) GetPlayerReceipts(ctx context.Context, player string, limit int64) ([]*models.Receipt, error) {
	if limit <= 0 || limit > MaxReceiptsPerPlayer {
		limit = 50
	}

	hashes, err := s.client.ZRevRange(ctx, fmt.Sprintf(KeyPlayerReceipts, player), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt hashes: %w", err)
	}
	if len(hashes) == 0 {
		return []*models.Receipt{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(hashes))
	for i, hash := range hashes {
		cmds[i] = pipe.Get(ctx, fmt.Sprintf(KeyReceipt, hash))
	}

	_, err = pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pipeline execution failed: %w", err)
	}

	receipts := make([]*models.Receipt, 0, len(hashes))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}

		var receipt models.Receipt
		if err := json.Unmarshal([]byte(data), &receipt); err != nil {
			continue
		}

		receipts = append(receipts, &receipt)
	}

	return receipts, nil
}

func (s *RedisService) CheckRateLimit(ctx context.Context, player, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, player, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	if count == 1 {
		s.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}

func (s *RedisService) ClearRateLimit(ctx context.Context, player, action string) error {
	return s.client.Del(ctx, fmt.Sprintf(KeyRateLimit, player, action)).Err()
}
