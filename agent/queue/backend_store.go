package queue

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/endpointguard/agent/internal/store"
)

// row is the persisted shape of a queued message. The same struct backs all
// three typed tables (queue_stateful, queue_stateless, queue_command);
// gorm's .Table() selects which one a given call targets.
type row struct {
	RowID      uint64 `gorm:"column:rowid;primaryKey;autoIncrement"`
	ModuleName string `gorm:"column:module_name;index"`
	ModuleType string `gorm:"column:module_type"`
	Metadata   []byte `gorm:"column:metadata"`
	Payload    []byte `gorm:"column:payload"`
	ByteSize   int    `gorm:"column:byte_size"`
}

func (row) TableName() string { return "queue_placeholder" }

func tableName(t MessageType) string {
	switch t {
	case Stateful:
		return "queue_stateful"
	case Stateless:
		return "queue_stateless"
	case Command:
		return "queue_command"
	default:
		return "queue_unknown"
	}
}

// storeBackend is the default storageBackend: each sub-queue is a table in
// the agent's embedded relational store, with atomic budget-checked inserts
// via a transaction.
type storeBackend struct {
	store *store.Store
}

func newStoreBackend(st *store.Store) (*storeBackend, error) {
	for _, t := range allTypes {
		if err := st.DB().Table(tableName(t)).AutoMigrate(&row{}); err != nil {
			return nil, fmt.Errorf("queue: automigrate %s: %w", t, err)
		}
	}
	return &storeBackend{store: st}, nil
}

func (b *storeBackend) currentUsage(ctx context.Context, t MessageType) (int64, int64, error) {
	var count, bytes int64
	err := b.store.Tx(ctx, func(tx *gorm.DB) error {
		var err error
		count, bytes, err = storeUsage(tx, t)
		return err
	})
	return count, bytes, err
}

func storeUsage(tx *gorm.DB, t MessageType) (count int64, bytes int64, err error) {
	if err = tx.Table(tableName(t)).Count(&count).Error; err != nil {
		return 0, 0, err
	}
	var sum struct{ Total int64 }
	if err = tx.Table(tableName(t)).Select("COALESCE(SUM(byte_size), 0) AS total").Scan(&sum).Error; err != nil {
		return 0, 0, err
	}
	return count, sum.Total, nil
}

func (b *storeBackend) tryPush(ctx context.Context, t MessageType, msgs []Message, budget Budget) (n int, fit bool, err error) {
	var added int
	txErr := b.store.TxRetry(ctx, 3, func(tx *gorm.DB) error {
		count, bytes, err := storeUsage(tx, t)
		if err != nil {
			return err
		}

		var addBytes int64
		for _, m := range msgs {
			addBytes += int64(m.byteSize())
		}

		if budget.MaxCount > 0 && count+int64(len(msgs)) > int64(budget.MaxCount) {
			return nil
		}
		if budget.MaxBytes > 0 && bytes+addBytes > budget.MaxBytes {
			return nil
		}

		rows := make([]row, 0, len(msgs))
		for _, m := range msgs {
			rows = append(rows, row{
				ModuleName: m.ModuleName,
				ModuleType: m.ModuleType,
				Metadata:   m.Metadata,
				Payload:    m.Payload,
				ByteSize:   m.byteSize(),
			})
		}
		if err := tx.Table(tableName(t)).Create(&rows).Error; err != nil {
			return err
		}
		added = len(rows)
		return nil
	})
	if txErr != nil {
		return 0, false, fmt.Errorf("queue: push: %w", txErr)
	}
	if added == 0 {
		return 0, false, nil
	}
	return added, true, nil
}

func (b *storeBackend) getNext(ctx context.Context, t MessageType, module string) (Message, bool, error) {
	var r row
	db := b.store.DB().WithContext(ctx).Table(tableName(t)).Order("rowid ASC")
	if module != "" {
		db = db.Where("module_name = ?", module)
	}
	err := db.First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("queue: get_next: %w", err)
	}
	return Message{ModuleName: r.ModuleName, ModuleType: r.ModuleType, Metadata: r.Metadata, Payload: r.Payload}, true, nil
}

func (b *storeBackend) getNextBytesPrefix(ctx context.Context, t MessageType, budgetBytes int, module string) ([]Message, error) {
	var rows []row
	db := b.store.DB().WithContext(ctx).Table(tableName(t)).Order("rowid ASC")
	if module != "" {
		db = db.Where("module_name = ?", module)
	}
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: get_next_bytes: %w", err)
	}

	var total int
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		sz := r.ByteSize
		if len(out) > 0 && total+sz > budgetBytes {
			break
		}
		total += sz
		out = append(out, Message{ModuleName: r.ModuleName, ModuleType: r.ModuleType, Metadata: r.Metadata, Payload: r.Payload})
	}
	return out, nil
}

func (b *storeBackend) popN(ctx context.Context, t MessageType, n int, module string) error {
	if n <= 0 {
		return nil
	}
	return b.store.Tx(ctx, func(tx *gorm.DB) error {
		var ids []uint64
		db := tx.Table(tableName(t)).Order("rowid ASC").Limit(n)
		if module != "" {
			db = db.Where("module_name = ?", module)
		}
		if err := db.Pluck("rowid", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Table(tableName(t)).Where("rowid IN ?", ids).Delete(&row{}).Error
	})
}

func (b *storeBackend) storedItems(ctx context.Context, t MessageType) (int, error) {
	var count int64
	if err := b.store.DB().WithContext(ctx).Table(tableName(t)).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("queue: stored_items: %w", err)
	}
	return int(count), nil
}
