package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/config"
)

type Repository struct {
	cfg    *config.Config
	dbpool *sql.DB
}

func NewRepository(cfg *config.Config, dbpool *sql.DB) *Repository {
	return &Repository{
		cfg:    cfg,
		dbpool: dbpool,
	}
}

func (r *Repository) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(r.cfg.Database.QueryTimeout)*time.Second)
}

// jsonColumn 将切片、map 等复合字段编码后写入 jsonb 列
func jsonColumn(v any) ([]byte, error) {
	return json.Marshal(v)
}

// jsonScanner 读取 jsonb 列并解码到 dst，列为 NULL 时保持 dst 不变
type jsonScanner struct {
	dst any
}

func (s jsonScanner) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("无法将 %T 解析为 jsonb", src)
	}
	return json.Unmarshal(data, s.dst)
}
