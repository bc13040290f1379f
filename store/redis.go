package store

import (
	"context"
	"encoding/json"
	"maps"
	"path"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The redis store keeps the transcripts in Redis.
// The keys namespace is organized as follows:
// - `/<prefix>/transcripts/entries/<sessionID>` list of the entries
// - `/<prefix>/transcripts/info/<sessionID>` session info
// - `/<prefix>/transcripts/sessions` set of the session IDs

type redisStore struct {
	client     *redis.Client
	prefix     string
	maxEntries int
}

// NewRedisStore returns a store backed by the client, zero maxEntries for
// DefaultMaxEntries.
func NewRedisStore(client *redis.Client, prefix string, maxEntries int) TranscriptStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &redisStore{
		client:     client,
		prefix:     prefix,
		maxEntries: maxEntries,
	}
}

func (m *redisStore) entriesKey(id string) string {
	return path.Join(m.prefix, "transcripts", "entries", id)
}

func (m *redisStore) infoKey(id string) string {
	return path.Join(m.prefix, "transcripts", "info", id)
}

func (m *redisStore) listKey() string {
	return path.Join(m.prefix, "transcripts", "sessions")
}

func (m *redisStore) Entries(ctx context.Context) []Entry {
	id, err := sessionID(ctx)
	if err != nil {
		return nil
	}
	return m.entries(ctx, id)
}

func (m *redisStore) entries(ctx context.Context, id string) []Entry {
	data, err := m.client.LRange(ctx, m.entriesKey(id), 0, -1).Result()
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "LRange", "session", id, "err", err.Error())
		return nil
	}

	var list []Entry
	for _, item := range data {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			logger.ContextKV(ctx, xlog.ERROR, "reason", "unmarshal entry", "err", err.Error())
			continue
		}
		list = append(list, e)
	}
	return list
}

func (m *redisStore) Add(ctx context.Context, e *Entry) error {
	id, err := sessionID(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to marshal entry")
	}

	key := m.entriesKey(id)
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-m.maxEntries), -1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to store entry in Redis")
	}

	// Update the time
	return m.UpdateSession(ctx, "", nil)
}

func (m *redisStore) Reset(ctx context.Context) error {
	id, err := sessionID(ctx)
	if err != nil {
		return err
	}

	pipe := m.client.Pipeline()
	pipe.Del(ctx, m.entriesKey(id))
	pipe.Del(ctx, m.infoKey(id))
	pipe.SRem(ctx, m.listKey(), id)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to reset session in Redis")
	}
	return nil
}

func (m *redisStore) UpdateSession(ctx context.Context, title string, metadata map[string]any) error {
	id, err := sessionID(ctx)
	if err != nil {
		return err
	}

	info, err := m.getInfo(ctx, id)
	if err != nil {
		return errors.Wrap(err, "failed to get session info")
	}

	if title != "" {
		info.Title = title
	}
	if metadata != nil {
		if info.Metadata == nil {
			info.Metadata = make(map[string]any)
		}
		maps.Copy(info.Metadata, metadata)
	}
	info.UpdatedAt = time.Now().UTC()

	return m.putInfo(ctx, info, false)
}

func (m *redisStore) putInfo(ctx context.Context, info *SessionInfo, isNew bool) error {
	data, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session info")
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.infoKey(info.SessionID), data, 0)
	if isNew {
		pipe.SAdd(ctx, m.listKey(), info.SessionID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to store session info in Redis")
	}
	return nil
}

func (m *redisStore) GetSessionInfo(ctx context.Context, id string) (*SessionInfo, error) {
	if id == "" {
		var err error
		if id, err = sessionID(ctx); err != nil {
			return nil, err
		}
	}
	info, err := m.getInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	info.Entries = m.entries(ctx, id)
	return info, nil
}

// getInfo returns the session info without entries,
// the info is created on first use
func (m *redisStore) getInfo(ctx context.Context, id string) (*SessionInfo, error) {
	data, err := m.client.Get(ctx, m.infoKey(id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return nil, errors.Wrap(err, "failed to get session info from Redis")
		}
		now := time.Now().UTC()
		info := &SessionInfo{
			SessionID: id,
			Title:     "New Session",
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  make(map[string]any),
		}
		if err = m.putInfo(ctx, info, true); err != nil {
			return nil, errors.Wrap(err, "failed to initialize session info")
		}
		return info, nil
	}

	info := &SessionInfo{}
	if err = json.Unmarshal([]byte(data), info); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session info")
	}
	return info, nil
}

func (m *redisStore) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := m.client.SMembers(ctx, m.listKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to list sessions from Redis")
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *redisStore) Cleanup(ctx context.Context, olderThan time.Duration) (uint32, error) {
	ids, err := m.client.SMembers(ctx, m.listKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list sessions from Redis")
	}

	deleted := uint32(0)
	cutoff := time.Now().Add(-olderThan)
	for _, id := range ids {
		data, err := m.client.Get(ctx, m.infoKey(id)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return 0, errors.Wrap(err, "failed to get session info")
		}

		var info SessionInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return 0, errors.Wrap(err, "failed to unmarshal session info")
		}

		if info.UpdatedAt.Before(cutoff) {
			pipe := m.client.Pipeline()
			pipe.Del(ctx, m.infoKey(id))
			pipe.Del(ctx, m.entriesKey(id))
			pipe.SRem(ctx, m.listKey(), id)
			if _, err = pipe.Exec(ctx); err != nil {
				return 0, errors.Wrap(err, "failed to delete session from Redis")
			}
			deleted++
		}
	}
	return deleted, nil
}
