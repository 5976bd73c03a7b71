package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/dbx"
	"github.com/maneesh/sharebox/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const mysqlDuplicateEntry = 1062

// TiDBClient wraps TiDB operations with tracing
type TiDBClient struct {
	db  *sql.DB
	now func() time.Time
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(ctx context.Context, dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewTiDBClientFromDB(db), nil
}

// NewTiDBClientFromDB wraps an already opened database handle.
func NewTiDBClientFromDB(db *sql.DB) *TiDBClient {
	return &TiDBClient{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB exposes the underlying handle for migrations.
func (tc *TiDBClient) DB() *sql.DB {
	return tc.db
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		span.RecordError(err)
	}
	span.End()
}

// --- profiles ---

// UpsertProfile inserts the profile with initialCredits, or refreshes its
// descriptive fields when it already exists. The balance of an existing
// profile is never touched.
func (tc *TiDBClient) UpsertProfile(ctx context.Context, p *models.Profile, initialCredits int64) (res *models.Profile, err error) {
	ctx, span := tracer.Start(ctx, "tidb.upsert_profile",
		trace.WithAttributes(attribute.String("owner_id", p.OwnerID)),
	)
	defer func() { endSpan(span, err) }()

	now := tc.now()
	query := `INSERT INTO profiles (owner_id, email, display_name, image_url, credit_balance, plan, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			      email = VALUES(email),
			      display_name = VALUES(display_name),
			      image_url = VALUES(image_url),
			      updated_at = VALUES(updated_at)`

	if _, err := tc.db.ExecContext(ctx, query,
		p.OwnerID, p.Email, p.DisplayName, p.ImageURL, initialCredits, models.PlanBasic, now, now); err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}

	return tc.getProfile(ctx, tc.db, p.OwnerID)
}

// GetProfile returns the profile or common.ErrNotFound.
func (tc *TiDBClient) GetProfile(ctx context.Context, ownerID string) (res *models.Profile, err error) {
	ctx, span := tracer.Start(ctx, "tidb.get_profile",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer func() { endSpan(span, err) }()

	return tc.getProfile(ctx, tc.db, ownerID)
}

func (tc *TiDBClient) getProfile(ctx context.Context, q dbx.DBTX, ownerID string) (*models.Profile, error) {
	query := `SELECT owner_id, email, display_name, image_url, credit_balance, plan, created_at, updated_at
			  FROM profiles WHERE owner_id = ?`

	var p models.Profile
	err := q.QueryRowContext(ctx, query, ownerID).Scan(
		&p.OwnerID, &p.Email, &p.DisplayName, &p.ImageURL, &p.CreditBalance, &p.Plan, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	return &p, nil
}

// DecrementCreditIfPositive takes one credit in a single conditional update.
// It reports false when the balance is zero or the profile does not exist.
func (tc *TiDBClient) DecrementCreditIfPositive(ctx context.Context, ownerID string) (ok bool, err error) {
	ctx, span := tracer.Start(ctx, "tidb.decrement_credit",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer func() { endSpan(span, err) }()

	query := `UPDATE profiles SET credit_balance = credit_balance - 1, updated_at = ?
			  WHERE owner_id = ? AND credit_balance > 0`

	res, err := tc.db.ExecContext(ctx, query, tc.now(), ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to decrement credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}

	span.SetAttributes(attribute.Bool("debited", n == 1))
	return n == 1, nil
}

// IncrementCredits adds amount to the balance.
func (tc *TiDBClient) IncrementCredits(ctx context.Context, ownerID string, amount int64) (err error) {
	ctx, span := tracer.Start(ctx, "tidb.increment_credits",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.Int64("amount", amount),
		),
	)
	defer func() { endSpan(span, err) }()

	query := `UPDATE profiles SET credit_balance = credit_balance + ?, updated_at = ? WHERE owner_id = ?`

	res, err := tc.db.ExecContext(ctx, query, amount, tc.now(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to increment credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// GrantCredits adds amount, switches the plan and returns the new balance.
func (tc *TiDBClient) GrantCredits(ctx context.Context, ownerID string, amount int64, plan models.Plan) (balance int64, err error) {
	ctx, span := tracer.Start(ctx, "tidb.grant_credits",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.Int64("amount", amount),
			attribute.String("plan", string(plan)),
		),
	)
	defer func() { endSpan(span, err) }()

	err = dbx.WithTx(ctx, tc.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE profiles SET credit_balance = credit_balance + ?, plan = ?, updated_at = ? WHERE owner_id = ?`,
			amount, plan, tc.now(), ownerID)
		if err != nil {
			return fmt.Errorf("failed to grant credits: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected error: %w", err)
		}
		if n == 0 {
			return common.ErrNotFound
		}

		err = tx.QueryRowContext(ctx, `SELECT credit_balance FROM profiles WHERE owner_id = ?`, ownerID).Scan(&balance)
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// --- files ---

const fileColumns = `id, owner_id, original_name, mime_type, size_bytes, storage_path, public_url,
			  checksum, publicly_shared, share_token, download_count, created_at`

func scanFile(row interface{ Scan(...any) error }) (*models.FileRecord, error) {
	var f models.FileRecord
	var token sql.NullString
	if err := row.Scan(
		&f.ID, &f.OwnerID, &f.OriginalName, &f.MimeType, &f.SizeBytes, &f.StoragePath, &f.PublicURL,
		&f.Checksum, &f.PubliclyShared, &token, &f.DownloadCount, &f.CreatedAt,
	); err != nil {
		return nil, err
	}
	if token.Valid {
		f.ShareToken = &token.String
	}
	return &f, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// InsertFile stores a new file record. Unique violations yield common.ErrDuplicateKey.
func (tc *TiDBClient) InsertFile(ctx context.Context, f *models.FileRecord) (err error) {
	ctx, span := tracer.Start(ctx, "tidb.insert_file",
		trace.WithAttributes(
			attribute.String("file_id", f.ID),
			attribute.String("owner_id", f.OwnerID),
			attribute.Int64("file_size", f.SizeBytes),
		),
	)
	defer func() { endSpan(span, err) }()

	query := `INSERT INTO files (` + fileColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tc.db.ExecContext(ctx, query,
		f.ID, f.OwnerID, f.OriginalName, f.MimeType, f.SizeBytes, f.StoragePath, f.PublicURL,
		f.Checksum, f.PubliclyShared, nullable(f.ShareToken), f.DownloadCount, f.CreatedAt,
	)
	if isDuplicate(err) {
		return fmt.Errorf("failed to insert file: %w", common.ErrDuplicateKey)
	} else if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// GetFile retrieves file metadata by ID with tracing
func (tc *TiDBClient) GetFile(ctx context.Context, id string) (f *models.FileRecord, err error) {
	ctx, span := tracer.Start(ctx, "tidb.get_file",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer func() { endSpan(span, err) }()

	f, err = scanFile(tc.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query file: %w", err)
	}
	return f, nil
}

// ListFiles returns the owner's files, newest first.
func (tc *TiDBClient) ListFiles(ctx context.Context, ownerID string) (files []*models.FileRecord, err error) {
	ctx, span := tracer.Start(ctx, "tidb.list_files",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer func() { endSpan(span, err) }()

	rows, err := tc.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// UpdateShare sets (token != nil) or clears (token == nil) the share state of
// a file owned by ownerID. A missing file and a foreign file both yield
// common.ErrNotFound; a token already in use yields common.ErrDuplicateKey.
func (tc *TiDBClient) UpdateShare(ctx context.Context, id, ownerID string, token *string) (f *models.FileRecord, err error) {
	ctx, span := tracer.Start(ctx, "tidb.update_share",
		trace.WithAttributes(
			attribute.String("file_id", id),
			attribute.Bool("shared", token != nil),
		),
	)
	defer func() { endSpan(span, err) }()

	err = dbx.WithTx(ctx, tc.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		cur, err := scanFile(tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ? FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrNotFound
		} else if err != nil {
			return fmt.Errorf("failed to lock file: %w", err)
		}
		if cur.OwnerID != ownerID {
			return common.ErrNotFound
		}

		_, err = tx.ExecContext(ctx, `UPDATE files SET share_token = ?, publicly_shared = ? WHERE id = ?`,
			nullable(token), token != nil, id)
		if isDuplicate(err) {
			return common.ErrDuplicateKey
		} else if err != nil {
			return fmt.Errorf("failed to update share: %w", err)
		}

		cur.ShareToken = token
		cur.PubliclyShared = token != nil
		f = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// IncrementDownloads atomically bumps download_count of the file currently
// shared under token and returns the updated record.
func (tc *TiDBClient) IncrementDownloads(ctx context.Context, token string) (f *models.FileRecord, err error) {
	ctx, span := tracer.Start(ctx, "tidb.increment_downloads")
	defer func() { endSpan(span, err) }()

	err = dbx.WithTx(ctx, tc.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE files SET download_count = download_count + 1 WHERE share_token = ? AND publicly_shared = TRUE`, token)
		if err != nil {
			return fmt.Errorf("failed to increment downloads: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected error: %w", err)
		}
		if n == 0 {
			return common.ErrNotFound
		}

		f, err = scanFile(tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE share_token = ?`, token))
		if err != nil {
			return fmt.Errorf("failed to read shared file: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("file_id", f.ID))
	return f, nil
}

// DeleteFile removes the record of a file owned by ownerID and returns it so
// the caller can remove the blob.
func (tc *TiDBClient) DeleteFile(ctx context.Context, id, ownerID string) (f *models.FileRecord, err error) {
	ctx, span := tracer.Start(ctx, "tidb.delete_file",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer func() { endSpan(span, err) }()

	err = dbx.WithTx(ctx, tc.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		cur, err := scanFile(tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ? FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrNotFound
		} else if err != nil {
			return fmt.Errorf("failed to lock file: %w", err)
		}
		if cur.OwnerID != ownerID {
			return common.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		f = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// --- transactions ---

// InsertTransaction appends a transaction record.
func (tc *TiDBClient) InsertTransaction(ctx context.Context, t *models.Transaction) (err error) {
	ctx, span := tracer.Start(ctx, "tidb.insert_transaction",
		trace.WithAttributes(
			attribute.String("transaction_id", t.ID),
			attribute.String("owner_id", t.OwnerID),
		),
	)
	defer func() { endSpan(span, err) }()

	query := `INSERT INTO transactions (id, owner_id, plan, credits_granted, amount_label, payment_reference, status, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tc.db.ExecContext(ctx, query,
		t.ID, t.OwnerID, t.Plan, t.CreditsGranted, t.AmountLabel, t.PaymentReference, t.Status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the owner's transactions, newest first.
func (tc *TiDBClient) ListTransactions(ctx context.Context, ownerID string) (txs []*models.Transaction, err error) {
	ctx, span := tracer.Start(ctx, "tidb.list_transactions",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer func() { endSpan(span, err) }()

	rows, err := tc.db.QueryContext(ctx,
		`SELECT id, owner_id, plan, credits_granted, amount_label, payment_reference, status, created_at
		 FROM transactions WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Plan, &t.CreditsGranted, &t.AmountLabel,
			&t.PaymentReference, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

// --- orphaned blobs ---

// RecordOrphan queues a blob for out-of-band removal.
func (tc *TiDBClient) RecordOrphan(ctx context.Context, o *models.OrphanedBlob) (err error) {
	ctx, span := tracer.Start(ctx, "tidb.record_orphan",
		trace.WithAttributes(attribute.String("object_key", o.StoragePath)),
	)
	defer func() { endSpan(span, err) }()

	_, err = tc.db.ExecContext(ctx,
		`INSERT INTO orphaned_blobs (storage_path, reason, detected_at) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE reason = VALUES(reason), detected_at = VALUES(detected_at)`,
		o.StoragePath, o.Reason, o.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to record orphan: %w", err)
	}
	return nil
}

// ListOrphans returns up to limit queued orphans, oldest first.
func (tc *TiDBClient) ListOrphans(ctx context.Context, limit int) (orphans []*models.OrphanedBlob, err error) {
	ctx, span := tracer.Start(ctx, "tidb.list_orphans")
	defer func() { endSpan(span, err) }()

	rows, err := tc.db.QueryContext(ctx,
		`SELECT storage_path, reason, detected_at FROM orphaned_blobs ORDER BY detected_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphans: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o models.OrphanedBlob
		if err := rows.Scan(&o.StoragePath, &o.Reason, &o.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan orphan: %w", err)
		}
		orphans = append(orphans, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orphans: %w", err)
	}
	return orphans, nil
}

// DeleteOrphan removes a cleaned-up entry from the queue.
func (tc *TiDBClient) DeleteOrphan(ctx context.Context, storagePath string) (err error) {
	ctx, span := tracer.Start(ctx, "tidb.delete_orphan",
		trace.WithAttributes(attribute.String("object_key", storagePath)),
	)
	defer func() { endSpan(span, err) }()

	if _, err := tc.db.ExecContext(ctx, `DELETE FROM orphaned_blobs WHERE storage_path = ?`, storagePath); err != nil {
		return fmt.Errorf("failed to delete orphan: %w", err)
	}
	return nil
}
