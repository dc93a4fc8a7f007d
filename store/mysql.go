package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
)

const (
	createMessagesSQL = "CREATE TABLE IF NOT EXISTS messages (" +
		"id VARCHAR(128) NOT NULL PRIMARY KEY," +
		"from_addr VARCHAR(64) NOT NULL DEFAULT ''," +
		"to_addr VARCHAR(64) NOT NULL DEFAULT ''," +
		"ts VARCHAR(64) NOT NULL DEFAULT ''," +
		"msg_type VARCHAR(32) NOT NULL DEFAULT ''," +
		"body MEDIUMTEXT," +
		"status VARCHAR(16) NOT NULL DEFAULT ''," +
		"extra MEDIUMTEXT," +
		"KEY idx_from (from_addr), KEY idx_to (to_addr)" +
		") CHARACTER SET utf8mb4"

	lockMessageSQL = "SELECT from_addr,to_addr,ts,msg_type,body,status,extra " +
		"FROM messages WHERE id=? FOR UPDATE"
	saveMessageSQL = "INSERT INTO messages (id,from_addr,to_addr,ts,msg_type,body,status,extra) " +
		"VALUES (?,?,?,?,?,?,?,?) " +
		"ON DUPLICATE KEY UPDATE from_addr=VALUES(from_addr),to_addr=VALUES(to_addr)," +
		"ts=VALUES(ts),msg_type=VALUES(msg_type),body=VALUES(body)," +
		"status=VALUES(status),extra=VALUES(extra)"
	findByParticipantSQL = "SELECT id,from_addr,to_addr,ts,msg_type,body,status,extra " +
		"FROM messages WHERE from_addr=? OR to_addr=?"
	allParticipantsSQL = "SELECT from_addr,to_addr FROM messages"
	countMessagesSQL   = "SELECT COUNT(*) FROM messages"
)

// MysqlStore keeps canonical records in a MySQL table, one row per
// external message id. A merge locks the row with SELECT ... FOR UPDATE
// so concurrent merges into one id serialize at the database.
type MysqlStore struct {
	*sql.DB
}

func NewMysqlStore(ctx context.Context, db *sql.DB) (*MysqlStore, error) {
	if _, err := db.ExecContext(ctx, createMessagesSQL); err != nil {
		return nil, fmt.Errorf("%w: ensure schema: %v", ErrUnavailable, err)
	}
	return &MysqlStore{db}, nil
}

func (s *MysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *MysqlStore) Upsert(ctx context.Context, in Intent) error {
	id := in.Key()
	if id == "" {
		return fmt.Errorf("upsert: empty id")
	}

	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rec := Record{ID: id}

		var body, extra sql.NullString
		row := tx.QueryRowContext(ctx, lockMessageSQL, id)
		err := row.Scan(&rec.From, &rec.To, &rec.Timestamp, &rec.Type, &body, &rec.Status, &extra)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if body.Valid && body.String != "" {
			rec.Body = json.RawMessage(body.String)
		}
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &rec.Extra); err != nil {
				glog.Errorf("mysql: discarding unreadable extra of %s: %v", id, err)
				rec.Extra = nil
			}
		}

		in.Apply(&rec)

		var extraOut []byte
		if len(rec.Extra) > 0 {
			if extraOut, err = json.Marshal(rec.Extra); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, saveMessageSQL,
			rec.ID, rec.From, rec.To, rec.Timestamp, rec.Type,
			string(rec.Body), rec.Status, string(extraOut))
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

func (s *MysqlStore) Insert(ctx context.Context, rec *Record) error {
	return s.Upsert(ctx, &MessageUpsert{Record: *rec})
}

func (s *MysqlStore) FindByParticipant(ctx context.Context, phone string) ([]*Record, error) {
	rows, err := s.QueryContext(ctx, findByParticipantSQL, phone, phone)
	if err != nil {
		return nil, fmt.Errorf("%w: find by participant: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var body, extra sql.NullString
		if err := rows.Scan(&rec.ID, &rec.From, &rec.To, &rec.Timestamp, &rec.Type,
			&body, &rec.Status, &extra); err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", ErrUnavailable, err)
		}
		if body.Valid && body.String != "" {
			rec.Body = json.RawMessage(body.String)
		}
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &rec.Extra); err != nil {
				glog.Errorf("mysql: skip unreadable extra of %s: %v", rec.ID, err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: find by participant: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *MysqlStore) AllParticipants(ctx context.Context) ([]string, error) {
	rows, err := s.QueryContext(ctx, allParticipantsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: all participants: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("%w: scan participants: %v", ErrUnavailable, err)
		}
		if from != "" {
			seen[from] = struct{}{}
		}
		if to != "" {
			seen[to] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: all participants: %v", ErrUnavailable, err)
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out, nil
}

func (s *MysqlStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.QueryRowContext(ctx, countMessagesSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrUnavailable, err)
	}
	return n, nil
}
