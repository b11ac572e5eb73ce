package repositories

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-core/internal/models"
)

// PostgresStore is the sqlx implementation of Store.
type PostgresStore struct {
	*ThreadRepo
	*MessageRepo
	*CallRepo
	db *sqlx.DB
}

// NewPostgresStore wires the three sqlx repositories on one pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		ThreadRepo:  NewThreadRepo(db),
		MessageRepo: NewMessageRepo(db),
		CallRepo:    NewCallRepo(db),
		db:          db,
	}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// classify maps driver failures onto the shared error taxonomy so the retry
// layer can tell connection trouble from real rejections.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return fmt.Errorf("%w: %v", models.ErrTransient, err)
		}
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", models.ErrTransient, err)
		case "23505":
			return fmt.Errorf("%w: %v", models.ErrConflict, err)
		}
	}
	return err
}

func rollback(tx *sqlx.Tx) {
	_ = tx.Rollback()
}
