package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"backd/internal/errors"
	"backd/internal/retry"
	"backd/internal/state"
	"backd/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresOptions 数据库事件源选项
type PostgresOptions struct {
	Table    string
	PageSize int
	// After 只读取严格大于该位置的事件，用于从快照恢复
	After *state.EventTime
	Retry *retry.RetryConfig
}

// PostgresSource 按 (block_number, transaction_index, log_index) 分页读取事件表
type PostgresSource struct {
	db       *sql.DB
	query    string
	pageSize int
	retrier  *retry.Retrier
	logger   *logrus.Logger

	cursor    [3]int64
	buffer    []*models.Event
	exhausted bool
	ownsDB    bool
}

// NewPostgresSource 连接数据库并创建事件源
func NewPostgresSource(dsn string, opts PostgresOptions, logger *logrus.Logger) (*PostgresSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeSource, errors.SeverityCritical,
			errors.ErrSourceFailed.Code, "打开事件数据库失败")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WrapError(err, errors.ErrorTypeSource, errors.SeverityCritical,
			errors.ErrSourceFailed.Code, "连接事件数据库失败")
	}

	src, err := NewPostgresSourceWithDB(db, opts, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	src.ownsDB = true
	return src, nil
}

// NewPostgresSourceWithDB 使用已有连接创建事件源
func NewPostgresSourceWithDB(db *sql.DB, opts PostgresOptions, logger *logrus.Logger) (*PostgresSource, error) {
	table, err := quoteTable(opts.Table)
	if err != nil {
		return nil, err
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.Retry == nil {
		opts.Retry = retry.StorageRetryConfig
	}

	src := &PostgresSource{
		db: db,
		query: fmt.Sprintf(`SELECT event, address, block_number, transaction_index, log_index,
       transaction_hash, block_hash, timestamp, return_values
FROM %s
WHERE (block_number, transaction_index, log_index) > ($1, $2, $3)
ORDER BY block_number, transaction_index, log_index
LIMIT $4`, table),
		pageSize: opts.PageSize,
		retrier:  retry.NewRetrier(opts.Retry, logger),
		logger:   logger,
		cursor:   [3]int64{-1, -1, -1},
	}
	if opts.After != nil {
		src.cursor = [3]int64{int64(opts.After.BlockNumber), int64(opts.After.TransactionIndex), int64(opts.After.LogIndex)}
	}

	logger.WithFields(logrus.Fields{
		"table":     opts.Table,
		"page_size": opts.PageSize,
	}).Info("数据库事件源已创建")
	return src, nil
}

// quoteTable 校验并引用表名，支持 schema.table
func quoteTable(name string) (string, error) {
	if !tableNamePattern.MatchString(name) {
		return "", errors.NewReplayError(errors.ErrorTypeConfig, errors.SeverityCritical,
			errors.ErrConfigInvalid.Code, "非法的事件表名: "+name)
	}
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = pq.QuoteIdentifier(part)
	}
	return strings.Join(parts, "."), nil
}

// Next 返回下一个事件，缓冲区为空时拉取下一页
func (s *PostgresSource) Next(ctx context.Context) (*models.Event, error) {
	if len(s.buffer) == 0 {
		if s.exhausted {
			return nil, io.EOF
		}
		page, err := retry.Do(ctx, s.retrier, "load_events_page", func() ([]*models.Event, error) {
			return s.loadPage(ctx)
		})
		if err != nil {
			return nil, err
		}
		if len(page) < s.pageSize {
			s.exhausted = true
		}
		if len(page) == 0 {
			return nil, io.EOF
		}
		s.buffer = page
		last := page[len(page)-1]
		s.cursor = [3]int64{last.BlockNumber, last.TransactionIndex, last.LogIndex}
	}

	event := s.buffer[0]
	s.buffer = s.buffer[1:]
	return event, nil
}

func (s *PostgresSource) loadPage(ctx context.Context) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.query, s.cursor[0], s.cursor[1], s.cursor[2], int64(s.pageSize))
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeSource, errors.SeverityHigh,
			errors.ErrSourceFailed.Code, "查询事件表失败")
	}
	defer rows.Close()

	page := make([]*models.Event, 0, s.pageSize)
	for rows.Next() {
		var (
			event     models.Event
			txHash    sql.NullString
			blockHash sql.NullString
			timestamp sql.NullInt64
			values    []byte
		)
		if err := rows.Scan(&event.Name, &event.Address, &event.BlockNumber, &event.TransactionIndex,
			&event.LogIndex, &txHash, &blockHash, &timestamp, &values); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeSource, errors.SeverityHigh,
				errors.ErrSourceFailed.Code, "读取事件行失败")
		}
		event.Address = strings.ToLower(event.Address)
		event.TransactionHash = txHash.String
		event.BlockHash = blockHash.String
		event.Timestamp = timestamp.Int64
		event.ReturnValues = models.Values{}
		if len(values) > 0 {
			if err := json.Unmarshal(values, &event.ReturnValues); err != nil {
				return nil, errors.WrapError(err, errors.ErrorTypeDecode, errors.SeverityHigh,
					errors.ErrDecodeFailed.Code, "事件参数解析失败").
					WithBlockNumber(event.BlockNumberUint()).
					WithTxHash(event.TransactionHash)
			}
		}
		page = append(page, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeSource, errors.SeverityHigh,
			errors.ErrSourceFailed.Code, "遍历事件行失败")
	}

	s.logger.WithFields(logrus.Fields{
		"rows":        len(page),
		"after_block": s.cursor[0],
		"after_tx":    s.cursor[1],
		"after_log":   s.cursor[2],
	}).Debug("已加载事件页")
	return page, nil
}

// Close 关闭自己打开的数据库连接
func (s *PostgresSource) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}
