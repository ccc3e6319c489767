package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"medic/pkg/model"
)

// Key 布局: fu/<vertex>/<unixnano 20 位>/<seq>，act/<unixnano 20 位>/<id>
// 定长时间戳保证同一前缀下按时间有序
const (
	flowUnitPrefix = "fu/"
	actionPrefix   = "act/"
)

// BadgerConfig 本地持久化配置
type BadgerConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	// Retention 记录保留时长 (badger TTL)，0 表示永久
	Retention time.Duration
	// GCInterval value log GC 间隔，0 关闭
	GCInterval time.Duration
	Logger     *zap.Logger
}

// DefaultBadgerConfig 生产默认值
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
		Retention:  7 * 24 * time.Hour,
		GCInterval: 5 * time.Minute,
	}
}

// BadgerStore Persistence 的 badger 实现
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
	logger    *zap.Logger
	seq       atomic.Uint64
	now       func() time.Time

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

var _ Persistence = (*BadgerStore)(nil)

// badgerLogger 把 badger 内部日志转到 zap
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// OpenBadger 打开数据库并按需启动 GC 协程
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("badger")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required for persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{s: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &BadgerStore{
		db:        db,
		retention: cfg.Retention,
		logger:    logger,
		now:       time.Now,
		stopGC:    make(chan struct{}),
		gcDone:    make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval)
	} else {
		close(s.gcDone)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite 表示没有可回收的数据
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log gc failed", zap.Error(err))
			}
		}
	}
}

// Close 停止 GC 并关闭数据库，可重复调用
func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopGC)
		<-s.gcDone
		err = s.db.Close()
	})
	return err
}

func (s *BadgerStore) PersistFlowUnit(_ context.Context, vertex string, unit model.FlowUnit) error {
	if unit.IsEmpty() {
		return nil
	}
	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("encode flow unit %s: %w", vertex, err)
	}
	ts := unit.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	key := fmt.Sprintf("%s%s/%020d/%d", flowUnitPrefix, vertex, ts.UnixNano(), s.seq.Add(1))
	return s.put(key, data)
}

func (s *BadgerStore) PersistAction(_ context.Context, action model.Action) error {
	rec := NewActionRecord(uuid.NewString(), action, s.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", action.Name(), err)
	}
	key := fmt.Sprintf("%s%020d/%s", actionPrefix, rec.Timestamp.UnixNano(), rec.ID)
	return s.put(key, data)
}

func (s *BadgerStore) put(key string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data)
		if s.retention > 0 {
			e = e.WithTTL(s.retention)
		}
		return txn.SetEntry(e)
	})
}

// Query 按时间顺序返回；设置了 Limit 时只保留最新的 Limit 条
func (s *BadgerStore) Query(ctx context.Context, vertex string, f Filter) ([]Row, error) {
	prefix := flowUnitPrefix + vertex + "/"
	if vertex == ActionsTable {
		prefix = actionPrefix
	}

	var rows []Row
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.Key())
			ts, ok := parseKeyTime(strings.TrimPrefix(key, prefix))
			if !ok {
				continue
			}
			if !f.Since.IsZero() && ts.Before(f.Since) {
				continue
			}
			if !f.Until.IsZero() && ts.After(f.Until) {
				break
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rows = append(rows, Row{Key: key, Vertex: vertex, Timestamp: ts, Data: val})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[len(rows)-f.Limit:]
	}
	return rows, nil
}

// parseKeyTime 取 "<ts>/..." 的时间戳部分
func parseKeyTime(rest string) (time.Time, bool) {
	tsPart, _, _ := strings.Cut(rest, "/")
	n, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
