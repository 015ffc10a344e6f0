package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sipeed/linkdrop/pkg/logger"
)

const historyBucket = "history"

// HistoryStore appends entries to a per-user bucket in a bbolt file.
type HistoryStore struct {
	db *bbolt.DB
}

func OpenHistory(path string) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(historyBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create history bucket: %w", err)
	}

	logger.InfoCF("audit", "History store opened", map[string]interface{}{
		"path": path,
	})
	return &HistoryStore{db: db}, nil
}

func userBucketKey(userID int64) []byte {
	return []byte(strconv.FormatInt(userID, 10))
}

func (h *HistoryStore) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return h.db.Update(func(tx *bbolt.Tx) error {
		user, err := tx.Bucket([]byte(historyBucket)).CreateBucketIfNotExists(userBucketKey(e.UserID))
		if err != nil {
			return err
		}
		seq, err := user.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return user.Put(key, data)
	})
}

// Recent returns up to n entries for userID, newest first.
func (h *HistoryStore) Recent(userID int64, n int) ([]Entry, error) {
	var out []Entry
	err := h.db.View(func(tx *bbolt.Tx) error {
		user := tx.Bucket([]byte(historyBucket)).Bucket(userBucketKey(userID))
		if user == nil {
			return nil
		}
		c := user.Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode history entry: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (h *HistoryStore) Close() error {
	return h.db.Close()
}
