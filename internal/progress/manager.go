package progress

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"backd/internal/errors"
	"backd/internal/state"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/snapshots.db"

	// 存储桶名称
	ProgressBucket  = "progress"
	SnapshotsBucket = "snapshots"

	// 进度键
	ProgressInfoKey = "progress_info"
)

// ProgressInfo 进度信息
type ProgressInfo struct {
	RunID           string           `json:"run_id"`
	Protocol        string           `json:"protocol"`
	LastEventTime   *state.EventTime `json:"last_event_time,omitempty"`
	EventsProcessed uint64           `json:"events_processed"`
	EventsSkipped   uint64           `json:"events_skipped"`
	Snapshots       uint64           `json:"snapshots"`
	StartTime       time.Time        `json:"start_time"`
	LastUpdateTime  time.Time        `json:"last_update_time"`
	ProcessingRate  float64          `json:"processing_rate"` // 事件/秒
}

// SnapshotInfo 快照索引信息
type SnapshotInfo struct {
	Protocol  string          `json:"protocol"`
	EventTime state.EventTime `json:"event_time"`
	Size      int             `json:"size"`
}

// Manager 进度与快照管理器。快照按协议分桶，键为排序键的大端编码，
// 因此游标顺序就是事件顺序。
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	readOnly bool

	// 内存缓存
	cache *ProgressInfo
}

// NewManager 创建进度管理器
func NewManager(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	// 打开BoltDB数据库
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开快照数据库失败: %w", err)
	}

	manager := &Manager{
		db:     db,
		logger: logger,
		dbPath: dbPath,
		cache:  &ProgressInfo{},
	}

	// 初始化数据库结构
	if err := manager.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	// 加载缓存
	if err := manager.loadCache(); err != nil {
		logger.Warnf("加载进度缓存失败: %v", err)
	}

	logger.Infof("进度管理器已初始化，数据库路径: %s", dbPath)
	return manager, nil
}

// OpenReadOnly 以只读方式打开已有的快照库，供查询服务使用。
// 写入进程持有文件锁期间打开会在超时后失败。
func OpenReadOnly(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("快照数据库不存在: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("打开快照数据库失败: %w", err)
	}

	manager := &Manager{
		db:       db,
		logger:   logger,
		dbPath:   dbPath,
		cache:    &ProgressInfo{},
		readOnly: true,
	}
	if err := manager.loadCache(); err != nil {
		logger.Warnf("加载进度缓存失败: %v", err)
	}

	logger.Infof("快照数据库已以只读方式打开: %s", dbPath)
	return manager, nil
}

// ReadOnly 是否只读
func (m *Manager) ReadOnly() bool {
	return m.readOnly
}

// Reload 重新从数据库读取进度
func (m *Manager) Reload() error {
	return m.loadCache()
}

// initDB 初始化数据库结构
func (m *Manager) initDB() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(ProgressBucket)); err != nil {
			return fmt.Errorf("创建进度存储桶失败: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(SnapshotsBucket)); err != nil {
			return fmt.Errorf("创建快照存储桶失败: %w", err)
		}
		return nil
	})
}

// loadCache 加载缓存
func (m *Manager) loadCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ProgressBucket))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(ProgressInfoKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, m.cache)
	})
}

// encodeKey 排序键的 24 字节大端编码
func encodeKey(t state.EventTime) []byte {
	key := make([]byte, 24)
	binary.BigEndian.PutUint64(key[0:8], t.BlockNumber)
	binary.BigEndian.PutUint64(key[8:16], t.TransactionIndex)
	binary.BigEndian.PutUint64(key[16:24], t.LogIndex)
	return key
}

func decodeKey(key []byte) state.EventTime {
	return state.EventTime{
		BlockNumber:      binary.BigEndian.Uint64(key[0:8]),
		TransactionIndex: binary.BigEndian.Uint64(key[8:16]),
		LogIndex:         binary.BigEndian.Uint64(key[16:24]),
	}
}

func storageError(err error, message string) error {
	return errors.WrapError(err, errors.ErrorTypeStorage, errors.SeverityHigh, errors.ErrSnapshotFailed.Code, message).
		WithComponent("progress")
}

// SaveSnapshot 保存已编码的状态快照，同一排序键覆盖写入
func (m *Manager) SaveSnapshot(protocol string, at state.EventTime, data []byte) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(SnapshotsBucket))
		bucket, err := root.CreateBucketIfNotExists([]byte(protocol))
		if err != nil {
			return err
		}
		return bucket.Put(encodeKey(at), data)
	})
	if err != nil {
		return storageError(err, "保存快照失败")
	}

	m.mu.Lock()
	m.cache.Snapshots++
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"protocol": protocol,
		"at":       at.String(),
		"size":     len(data),
	}).Debug("快照已保存")
	return nil
}

// LatestSnapshot 返回最新快照，不存在时 found 为 false
func (m *Manager) LatestSnapshot(protocol string) (at state.EventTime, data []byte, found bool, err error) {
	err = m.db.View(func(tx *bolt.Tx) error {
		bucket := m.protocolBucket(tx, protocol)
		if bucket == nil {
			return nil
		}
		key, value := bucket.Cursor().Last()
		if key == nil {
			return nil
		}
		at, found = decodeKey(key), true
		data = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return at, nil, false, storageError(err, "读取快照失败")
	}
	return at, data, found, nil
}

// SnapshotAtBlock 返回区块号不大于 block 的最后一个快照
func (m *Manager) SnapshotAtBlock(protocol string, block uint64) (at state.EventTime, data []byte, found bool, err error) {
	err = m.db.View(func(tx *bolt.Tx) error {
		bucket := m.protocolBucket(tx, protocol)
		if bucket == nil {
			return nil
		}

		// 定位到下一个区块的第一个键，再回退一步
		c := bucket.Cursor()
		key, value := c.Seek(encodeKey(state.EventTime{BlockNumber: block + 1}))
		if key == nil {
			key, value = c.Last()
		} else {
			key, value = c.Prev()
		}
		if key == nil {
			return nil
		}
		at, found = decodeKey(key), true
		data = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return at, nil, false, storageError(err, "读取快照失败")
	}
	return at, data, found, nil
}

// ListSnapshots 按事件顺序列出快照
func (m *Manager) ListSnapshots(protocol string) ([]SnapshotInfo, error) {
	var infos []SnapshotInfo
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := m.protocolBucket(tx, protocol)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			infos = append(infos, SnapshotInfo{Protocol: protocol, EventTime: decodeKey(k), Size: len(v)})
			return nil
		})
	})
	if err != nil {
		return nil, storageError(err, "列出快照失败")
	}
	return infos, nil
}

// PruneSnapshots 只保留最新的 keep 个快照，返回删除数量
func (m *Manager) PruneSnapshots(protocol string, keep int) (int, error) {
	removed := 0
	err := m.db.Update(func(tx *bolt.Tx) error {
		bucket := m.protocolBucket(tx, protocol)
		if bucket == nil {
			return nil
		}
		excess := bucket.Stats().KeyN - keep
		var stale [][]byte
		c := bucket.Cursor()
		for key, _ := c.First(); key != nil && len(stale) < excess; key, _ = c.Next() {
			stale = append(stale, append([]byte(nil), key...))
		}
		for _, key := range stale {
			if err := bucket.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, storageError(err, "清理快照失败")
	}
	return removed, nil
}

func (m *Manager) protocolBucket(tx *bolt.Tx, protocol string) *bolt.Bucket {
	root := tx.Bucket([]byte(SnapshotsBucket))
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(protocol))
}

// StartRun 开始一次重放，重置本次运行的计数
func (m *Manager) StartRun(runID, protocol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.cache.RunID = runID
	m.cache.Protocol = protocol
	m.cache.EventsProcessed = 0
	m.cache.EventsSkipped = 0
	m.cache.StartTime = now
	m.cache.LastUpdateTime = now
	m.cache.ProcessingRate = 0
	return m.persist()
}

// UpdateProgress 更新进度
func (m *Manager) UpdateProgress(at state.EventTime, processed, skipped uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	// 更新缓存
	last := at
	m.cache.LastEventTime = &last
	m.cache.EventsProcessed = processed
	m.cache.EventsSkipped = skipped
	m.cache.LastUpdateTime = now

	// 如果是第一次更新，设置开始时间
	if m.cache.StartTime.IsZero() {
		m.cache.StartTime = now
	}

	// 计算处理速率
	duration := now.Sub(m.cache.StartTime).Seconds()
	if duration > 0 {
		m.cache.ProcessingRate = float64(processed) / duration
	}

	return m.persist()
}

// persist 持久化缓存，调用方持有锁
func (m *Manager) persist() error {
	data, err := json.Marshal(m.cache)
	if err != nil {
		return fmt.Errorf("序列化进度失败: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ProgressBucket))
		if bucket == nil {
			return fmt.Errorf("进度存储桶不存在")
		}
		return bucket.Put([]byte(ProgressInfoKey), data)
	})
}

// GetProgress 获取进度信息副本
func (m *Manager) GetProgress() *ProgressInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := *m.cache
	if m.cache.LastEventTime != nil {
		last := *m.cache.LastEventTime
		info.LastEventTime = &last
	}
	return &info
}

// Reset 重置进度，快照保留
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = &ProgressInfo{}

	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ProgressBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(ProgressInfoKey))
	})
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	info := m.GetProgress()

	stats := map[string]interface{}{
		"run_id":           info.RunID,
		"protocol":         info.Protocol,
		"events_processed": info.EventsProcessed,
		"events_skipped":   info.EventsSkipped,
		"snapshots":        info.Snapshots,
		"db_path":          m.dbPath,
		"processing_rate":  fmt.Sprintf("%.2f events/sec", info.ProcessingRate),
		"start_time":       info.StartTime.Format(time.RFC3339),
		"last_update_time": info.LastUpdateTime.Format(time.RFC3339),
	}
	if info.LastEventTime != nil {
		stats["last_event_time"] = info.LastEventTime.String()
	}

	if !info.StartTime.IsZero() {
		stats["running_duration"] = info.LastUpdateTime.Sub(info.StartTime).String()
	}

	return stats
}

// Close 关闭进度管理器
func (m *Manager) Close() error {
	if m.db != nil {
		m.logger.Info("关闭进度管理器")
		return m.db.Close()
	}
	return nil
}
